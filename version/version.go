/*

Package version manages one file's capped chain of prior content
states.  Every operation here publishes only the file's own pointer
record; the parent folder's pointer is never touched, so a folder full
of busy files republishes in O(1) no matter how often they change.

Each content state is encrypted under its own fresh data key, and the
data key is sealed with the file key.  Restoring or deleting a version
therefore never re-encrypts unrelated data.

*/
package version

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/t7a/vaultbase/blob"
	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
	"github.com/t7a/vaultbase/tasks"
)

// DefaultCap is the default version list length limit.
const DefaultCap = 10

// maxPublishAttempts bounds the merge-and-retry loop on a contended
// file pointer.
const maxPublishAttempts = 5

// ErrTooContended means the file's pointer kept moving during every
// retry.
var ErrTooContended = errors.New("file pointer too contended, giving up")

// SavePolicy says whether an update counts as a new version.  This is
// a product decision made at the call site, not something the
// protocol can infer, so it is an explicit parameter.
type SavePolicy int

const (
	// SaveExplicit is a user-initiated save; it always versions.
	SaveExplicit SavePolicy = iota
	// SaveAutosave is a periodic autosave tick; it versions only if
	// the manager is configured to, or the caller forces it.
	SaveAutosave
)

// NoSuchVersionError reports an index outside the version list.
type NoSuchVersionError struct {
	Index int
	Len   int
}

func (e *NoSuchVersionError) Error() string {
	return fmt.Sprintf("no such version: %d of %d", e.Index, e.Len)
}

// File is one open file-metadata record plus what's needed to write
// it back: the file key, the pointer signing key, and the last known
// sequence number.
type File struct {
	Key    keys.ContentKey
	Signer *keys.SigningKey
	Seq    uint64
	Meta   *codec.FileMetadata
	// MetaCID is the blob holding the current encrypted record.
	MetaCID string
}

// PointerName returns the file's pointer name.
func (f *File) PointerName() string {
	return f.Signer.PointerName()
}

// Manager runs version chain operations against the blob store and
// pointer network.
type Manager struct {
	Blobs *blob.Store
	Pub   *pointer.Publisher
	Net   pointer.Network
	Queue *tasks.Queue

	// Cap is the version list length limit.
	Cap int
	// VersionAutosaves makes SaveAutosave updates version by default.
	VersionAutosaves bool
}

func (m *Manager) cap() int {
	if m.Cap <= 0 {
		return DefaultCap
	}
	return m.Cap
}

// ContentRef describes one stored content state.
type ContentRef struct {
	CID       string
	SealedKey []byte // data key sealed with the file key
	IV        []byte // content GCM nonce
	Size      int64
}

// PutContent encrypts rd under a fresh data key, stores the
// ciphertext, pins it, and seals the data key with fileKey.
func (m *Manager) PutContent(rd io.Reader, fileKey keys.ContentKey) (ref ContentRef, err error) {
	defer Return(&err)

	plain, err := ioutil.ReadAll(rd)
	Ck(err)

	dataKey, err := keys.GenerateContentKey()
	Ck(err)
	defer dataKey.Zero()

	ciphertext, iv, err := codec.Seal(plain, dataKey)
	Ck(err)

	cid, _, err := m.Blobs.PutStream(bytes.NewReader(ciphertext))
	Ck(err)
	err = m.Blobs.Pin(cid)
	if err != nil {
		// content stored but never registered: compensate so we
		// don't leak an orphaned upload
		m.Blobs.Unpin(cid)
		return ref, err
	}

	sealed, err := codec.SealEnvelope(dataKey, fileKey)
	Ck(err)

	ref = ContentRef{CID: cid, SealedKey: sealed, IV: iv, Size: int64(len(plain))}
	return
}

// GetContent fetches and decrypts the current content state.
func (m *Manager) GetContent(f *File) (plain []byte, err error) {
	return m.getContent(f.Key, f.Meta.CID, f.Meta.WrappedKey, f.Meta.IV)
}

// GetVersion fetches and decrypts one retained version.
func (m *Manager) GetVersion(f *File, index int) (plain []byte, err error) {
	if index < 0 || index >= len(f.Meta.Versions) {
		return nil, &NoSuchVersionError{Index: index, Len: len(f.Meta.Versions)}
	}
	v := f.Meta.Versions[index]
	return m.getContent(f.Key, v.CID, v.WrappedKey, v.IV)
}

func (m *Manager) getContent(fileKey keys.ContentKey, cid string, sealedKey, iv []byte) (plain []byte, err error) {
	buf, err := m.Blobs.Get(cid)
	if err != nil {
		return
	}
	dataKey, err := codec.OpenEnvelope(sealedKey, fileKey)
	if err != nil {
		return
	}
	defer keys.Zero(dataKey)
	return codec.Open(buf, iv, keys.ContentKey(dataKey))
}

// Create stores the first content state of a new file and publishes
// its metadata record at sequence 0.
func (m *Manager) Create(ctx context.Context, rd io.Reader, mime string) (f *File, err error) {
	defer Return(&err)

	fileKey, err := keys.GenerateContentKey()
	Ck(err)
	signer, err := keys.GenerateSigningKey()
	Ck(err)

	ref, err := m.PutContent(rd, fileKey)
	Ck(err)

	now := time.Now().UTC()
	meta := &codec.FileMetadata{
		Version:        codec.Current,
		CID:            ref.CID,
		WrappedKey:     ref.SealedKey,
		IV:             ref.IV,
		EncryptionMode: codec.ModeAESGCM,
		Size:           ref.Size,
		Mime:           mime,
		Created:        now,
		Modified:       now,
	}

	f = &File{Key: fileKey, Signer: signer, Meta: meta}
	err = m.publish(ctx, f, meta, 0, nil)
	if err != nil {
		// metadata never registered; compensate the content pin
		m.Queue.Enqueue("unpin "+ref.CID, func(ctx context.Context) error {
			m.Blobs.Unpin(ref.CID)
			return nil
		})
		return nil, err
	}
	return
}

// Load fetches a file record by pointer name.  Write access
// additionally needs the signer attached by the caller.
func (m *Manager) Load(ctx context.Context, name string, fileKey keys.ContentKey) (f *File, err error) {
	rec, err := m.Net.Resolve(ctx, name)
	if err != nil {
		return
	}
	buf, err := m.Blobs.Get(rec.CID)
	if err != nil {
		return
	}
	meta, err := codec.DecodeFileBlob(buf, fileKey)
	if err != nil {
		return
	}
	f = &File{Key: fileKey, Seq: rec.Sequence, Meta: meta, MetaCID: rec.CID}
	return
}

// currentEntry snapshots a record's current content state as a
// version entry.
func currentEntry(meta *codec.FileMetadata) codec.VersionEntry {
	return codec.VersionEntry{
		CID:        meta.CID,
		WrappedKey: meta.WrappedKey,
		IV:         meta.IV,
		Size:       meta.Size,
		SavedAt:    meta.Modified,
	}
}

// Update stores new content for f.  Whether the prior current state
// is retained as a version depends on the policy: explicit saves
// always version, autosave ticks only when configured or forced.
// Pruned versions are the only path that removes historical content.
func (m *Manager) Update(ctx context.Context, f *File, rd io.Reader, policy SavePolicy, force bool) (err error) {
	defer Return(&err)

	ref, err := m.PutContent(rd, f.Key)
	Ck(err)

	keep := policy == SaveExplicit || force || m.VersionAutosaves
	var replaced string
	var pruned []codec.VersionEntry

	// build works on a copy of cur; it reruns against the latest
	// remote record when the publish loses a race, so a concurrent
	// edit survives as a version instead of being clobbered
	build := func(cur *codec.FileMetadata) (*codec.FileMetadata, error) {
		next := *cur
		next.Versions = append([]codec.VersionEntry(nil), cur.Versions...)
		replaced = ""
		if keep {
			// most-recent-first
			next.Versions = append([]codec.VersionEntry{currentEntry(cur)}, next.Versions...)
		} else {
			// replaced without versioning; garbage once the publish
			// lands
			replaced = cur.CID
		}
		next.Versions, pruned = prune(next.Versions, m.cap())

		next.CID = ref.CID
		next.WrappedKey = ref.SealedKey
		next.IV = ref.IV
		next.Size = ref.Size
		next.Modified = time.Now().UTC()
		return &next, nil
	}

	meta, err := build(f.Meta)
	Ck(err)
	err = m.publish(ctx, f, meta, f.Seq+1, build)
	if err != nil {
		m.Queue.Enqueue("unpin "+ref.CID, func(ctx context.Context) error {
			m.Blobs.Unpin(ref.CID)
			return nil
		})
		return err
	}

	if replaced != "" {
		m.Queue.Enqueue("unpin "+replaced, func(ctx context.Context) error {
			m.Blobs.Unpin(replaced)
			return nil
		})
	}
	m.queueUnpins(pruned)
	return
}

// prune trims the list to cap, returning the removed entries oldest
// first.
func prune(versions []codec.VersionEntry, cap int) (kept, pruned []codec.VersionEntry) {
	if len(versions) <= cap {
		return versions, nil
	}
	kept = versions[:cap]
	excess := versions[cap:]
	// excess is most-recent-first; unpin oldest first
	for i := len(excess) - 1; i >= 0; i-- {
		pruned = append(pruned, excess[i])
	}
	return
}

func (m *Manager) queueUnpins(entries []codec.VersionEntry) {
	for _, v := range entries {
		cid := v.CID
		m.Queue.Enqueue("unpin "+cid, func(ctx context.Context) error {
			m.Blobs.Unpin(cid)
			return nil
		})
	}
}

// RestoreVersion makes version index current.  Non-destructive: the
// prior current state becomes a version entry itself.
func (m *Manager) RestoreVersion(ctx context.Context, f *File, index int) (err error) {
	if index < 0 || index >= len(f.Meta.Versions) {
		return &NoSuchVersionError{Index: index, Len: len(f.Meta.Versions)}
	}
	chosen := f.Meta.Versions[index]

	var pruned []codec.VersionEntry
	// the chosen content state is captured above, so the rebuild
	// applies cleanly even if a lost race changed the chain under us
	build := func(cur *codec.FileMetadata) (*codec.FileMetadata, error) {
		next := *cur
		next.Versions = nil
		for _, v := range cur.Versions {
			if v.CID != chosen.CID {
				next.Versions = append(next.Versions, v)
			}
		}
		next.Versions = append([]codec.VersionEntry{currentEntry(cur)}, next.Versions...)
		next.Versions, pruned = prune(next.Versions, m.cap())

		next.CID = chosen.CID
		next.WrappedKey = chosen.WrappedKey
		next.IV = chosen.IV
		next.Size = chosen.Size
		next.Modified = time.Now().UTC()
		return &next, nil
	}

	meta, err := build(f.Meta)
	if err != nil {
		return
	}
	err = m.publish(ctx, f, meta, f.Seq+1, build)
	if err != nil {
		return
	}
	m.queueUnpins(pruned)
	return
}

// DeleteVersion removes one retained version and unpins its content.
func (m *Manager) DeleteVersion(ctx context.Context, f *File, index int) (err error) {
	if index < 0 || index >= len(f.Meta.Versions) {
		return &NoSuchVersionError{Index: index, Len: len(f.Meta.Versions)}
	}
	removed := f.Meta.Versions[index]

	build := func(cur *codec.FileMetadata) (*codec.FileMetadata, error) {
		next := *cur
		next.Versions = nil
		for _, v := range cur.Versions {
			if v.CID != removed.CID {
				next.Versions = append(next.Versions, v)
			}
		}
		return &next, nil
	}

	meta, err := build(f.Meta)
	if err != nil {
		return
	}
	err = m.publish(ctx, f, meta, f.Seq+1, build)
	if err != nil {
		return
	}
	m.queueUnpins([]codec.VersionEntry{removed})
	return
}

// Touch bumps the modified timestamp and republishes, e.g. after a
// rename.
func (m *Manager) Touch(ctx context.Context, f *File) (err error) {
	build := func(cur *codec.FileMetadata) (*codec.FileMetadata, error) {
		next := *cur
		next.Modified = time.Now().UTC()
		return &next, nil
	}
	meta, err := build(f.Meta)
	if err != nil {
		return
	}
	return m.publish(ctx, f, meta, f.Seq+1, build)
}

// Rotate re-keys the file after a revocation: fresh file key, every
// data-key envelope resealed, one republish.  The content ciphertext
// and the data keys inside the envelopes never change, so rotation is
// O(versions), not O(bytes).  The caller re-wraps the new key for the
// recipients that remain.
func (m *Manager) Rotate(ctx context.Context, f *File) (err error) {
	defer Return(&err)

	newKey, err := keys.GenerateContentKey()
	Ck(err)

	reseal := func(sealed []byte) (out []byte, err error) {
		dataKey, err := codec.OpenEnvelope(sealed, f.Key)
		if err != nil {
			return
		}
		defer keys.Zero(dataKey)
		return codec.SealEnvelope(dataKey, newKey)
	}

	next := *f.Meta
	next.Versions = append([]codec.VersionEntry(nil), f.Meta.Versions...)
	next.WrappedKey, err = reseal(f.Meta.WrappedKey)
	Ck(err)
	for i := range next.Versions {
		next.Versions[i].WrappedKey, err = reseal(next.Versions[i].WrappedKey)
		Ck(err)
	}
	next.Modified = time.Now().UTC()

	// publish encrypts the record under f.Key, which must already be
	// the new key; restore the old one if the publish never lands.
	// No rebase: a remote record here is sealed under the old key, so
	// a concurrent edit surfaces and the caller reloads and rotates
	// again.  A custodian renewal still retries invisibly.
	old := f.Key
	f.Key = newKey
	err = m.publish(ctx, f, &next, f.Seq+1, nil)
	if err != nil {
		f.Key = old
		newKey.Zero()
		return
	}
	old.Zero()
	return
}

// publish encodes meta, stores it, and publishes the file's pointer
// at seq.  Pointer contention is resolved here: a renewal that moved
// the sequence without touching the record (a custodian re-sign)
// just bumps the retry sequence, and a genuine remote edit is
// fetched and the caller's mutation reapplied on top of it via
// rebase.  With a nil rebase a remote edit surfaces as the stale
// error, telling the caller to reload.  On success f is updated in
// place; on any failure f is untouched.
func (m *Manager) publish(ctx context.Context, f *File, meta *codec.FileMetadata, seq uint64, rebase func(cur *codec.FileMetadata) (*codec.FileMetadata, error)) error {
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		buf, err := codec.EncodeFileBlob(meta, f.Key)
		if err != nil {
			return err
		}
		cid, err := m.Blobs.Put(buf)
		if err != nil {
			return err
		}
		err = m.Blobs.Pin(cid)
		if err != nil {
			m.Blobs.Unpin(cid)
			return err
		}

		_, err = m.Pub.Publish(ctx, f.Signer, cid, seq)
		if err == nil {
			if f.MetaCID != "" && f.MetaCID != cid {
				old := f.MetaCID
				m.Queue.Enqueue("unpin "+old, func(ctx context.Context) error {
					m.Blobs.Unpin(old)
					return nil
				})
			}
			f.Meta = meta
			f.Seq = seq
			f.MetaCID = cid
			log.Debugf("file %s now seq %d cid %s", f.PointerName(), seq, cid)
			return nil
		}

		// the record we stored never became current
		m.Blobs.Unpin(cid)

		stale, ok := err.(*pointer.StaleSequenceError)
		if !ok {
			return err
		}
		rec, rerr := m.Net.Resolve(ctx, f.PointerName())
		if rerr != nil {
			return rerr
		}
		next := stale.Current
		if rec.Sequence > next {
			next = rec.Sequence
		}
		seq = next + 1

		if rec.CID == f.MetaCID {
			// renewed, not edited; the record we built still applies
			log.Debugf("file %s renewed to seq %d, retrying", f.PointerName(), rec.Sequence)
			continue
		}
		if rebase == nil {
			return err
		}
		rbuf, rerr := m.Blobs.Get(rec.CID)
		if rerr != nil {
			return rerr
		}
		remote, rerr := codec.DecodeFileBlob(rbuf, f.Key)
		if rerr != nil {
			return rerr
		}
		log.Debugf("file %s edited concurrently, rebasing onto seq %d", f.PointerName(), rec.Sequence)
		meta, err = rebase(remote)
		if err != nil {
			return err
		}
	}
	return ErrTooContended
}

// ContentCIDs lists every content cid the record references: the
// current state plus all versions.  Used when deleting the file.
func (f *File) ContentCIDs() (cids []string) {
	cids = append(cids, f.Meta.CID)
	for _, v := range f.Meta.Versions {
		cids = append(cids, v.CID)
	}
	return
}
