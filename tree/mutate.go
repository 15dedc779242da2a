package tree

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
	"github.com/t7a/vaultbase/version"
)

// maxPublishAttempts bounds the merge-and-retry loop on a contended
// pointer.
const maxPublishAttempts = 5

// mutateChildren applies edit to a fresh snapshot of the node's
// children and publishes the result at seq+1.  On StaleSequence it
// resolves the latest remote state, three-way merges, and retries at
// remoteSeq+1.  Conflicting edits to the same entry produce conflict
// copies; nothing is silently discarded.  Callers hold s.mu.
func (s *Store) mutateChildren(ctx context.Context, n *Node, edit func(children []codec.Child) ([]codec.Child, error)) (err error) {
	err = s.load(ctx, n)
	if err != nil {
		return
	}

	base := snapshot(n.children)
	desired, err := edit(snapshot(base))
	if err != nil {
		return
	}

	// retry state stays in locals until a publish is accepted.  An
	// abort must leave the node's children, sequence, and cid
	// mutually consistent, so that the next mutation's publish goes
	// stale against the remote winner and merges instead of
	// clobbering it.
	seq := n.seq
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		cid, err := s.putFolderBlob(&codec.FolderMetadata{Children: desired}, n.key)
		if err != nil {
			return err
		}

		_, err = s.Pub.Publish(ctx, n.signer, cid, seq+1)
		if err == nil {
			if n.metaCID != "" && n.metaCID != cid {
				old := n.metaCID
				s.Queue.Enqueue("unpin "+old, func(ctx context.Context) error {
					s.Blobs.Unpin(old)
					return nil
				})
			}
			n.children = desired
			n.seq = seq + 1
			n.metaCID = cid
			for _, c := range desired {
				s.adoptChild(n, c)
			}
			return nil
		}

		// the record we stored never became current
		s.Blobs.Unpin(cid)

		stale, ok := err.(*pointer.StaleSequenceError)
		if !ok {
			return err
		}

		// a concurrent writer won the race: fetch what it wrote,
		// merge, retry at the sequence it reached
		rec, err := s.Net.Resolve(ctx, n.PointerName)
		if err != nil {
			return err
		}
		buf, err := s.Blobs.Get(rec.CID)
		if err != nil {
			return err
		}
		remoteMeta, err := codec.DecodeFolderBlob(buf, n.key)
		if err != nil {
			return err
		}

		merged, conflicts := merge(base, desired, remoteMeta.Children)
		for _, c := range conflicts {
			log.Warnf("conflict on %q: kept remote edit, local edit saved as %q",
				c.Remote.Name, c.Local.Name+conflictSuffix)
		}

		// the remote state is the new base; our merged list is the
		// new desired state
		base = remoteMeta.Children
		desired = merged
		seq = stale.Current
		if rec.Sequence > seq {
			seq = rec.Sequence
		}
	}
	return ErrTooContended
}

// CreateFolder adds an empty subfolder.  The new folder's own record
// is published first (sequence 0), then the parent is republished
// with the new entry: two publishes total.  Depth and name are
// validated before anything is written.
func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (id string, err error) {
	defer Return(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.node(parentID)
	if err != nil {
		return
	}
	err = s.load(ctx, parent)
	if err != nil {
		return
	}
	if parent.Depth+1 > s.maxDepth() {
		return "", &DepthExceededError{Depth: parent.Depth + 1, Max: s.maxDepth()}
	}
	if findName(parent.children, name) >= 0 {
		return "", &NameCollisionError{Name: name}
	}

	key, err := keys.GenerateContentKey()
	Ck(err)
	signer, err := keys.GenerateSigningKey()
	Ck(err)

	// initial publish of the child's own empty record
	cid, err := s.putFolderBlob(&codec.FolderMetadata{}, key)
	Ck(err)
	_, err = s.Pub.Publish(ctx, signer, cid, 0)
	if err != nil {
		s.Blobs.Unpin(cid)
		return "", err
	}

	sealedKey, sealedSigner, err := sealChild(parent.key, key, signer)
	Ck(err)
	entry := codec.Child{
		Kind:         codec.KindFolder,
		ID:           newID(),
		Name:         name,
		PointerName:  signer.PointerName(),
		SealedKey:    sealedKey,
		SealedSigner: sealedSigner,
	}

	err = s.mutateChildren(ctx, parent, func(children []codec.Child) ([]codec.Child, error) {
		if findName(children, name) >= 0 {
			return nil, &NameCollisionError{Name: name}
		}
		return append(children, entry), nil
	})
	if err != nil {
		// the child's pointer record orphans; its blob must not
		s.Queue.Enqueue("unpin "+cid, func(ctx context.Context) error {
			s.Blobs.Unpin(cid)
			return nil
		})
		return "", err
	}

	n := &Node{
		ID:          entry.ID,
		Name:        name,
		Parent:      parent.ID,
		PointerName: entry.PointerName,
		Depth:       parent.Depth + 1,
		state:       StateLoaded,
		key:         key,
		signer:      signer,
		seq:         0,
		metaCID:     cid,
	}
	s.nodes[n.ID] = n
	s.byPointer[n.PointerName] = n.ID
	return n.ID, nil
}

// CreateFile uploads content as a new file in the folder.  The file's
// metadata record is created and published first; if registering the
// entry in the parent then fails, the upload is compensated by
// unpinning, so nothing stays pinned without being reachable.
func (s *Store) CreateFile(ctx context.Context, parentID, name string, rd io.Reader, mime string) (entryID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.node(parentID)
	if err != nil {
		return
	}
	err = s.load(ctx, parent)
	if err != nil {
		return
	}
	if findName(parent.children, name) >= 0 {
		return "", &NameCollisionError{Name: name}
	}

	f, err := s.Files.Create(ctx, rd, mime)
	if err != nil {
		return
	}

	sealedKey, sealedSigner, err := sealChild(parent.key, f.Key, f.Signer)
	if err != nil {
		return
	}
	entry := codec.Child{
		Kind:         codec.KindFile,
		ID:           newID(),
		Name:         name,
		PointerName:  f.PointerName(),
		SealedKey:    sealedKey,
		SealedSigner: sealedSigner,
	}

	err = s.mutateChildren(ctx, parent, func(children []codec.Child) ([]codec.Child, error) {
		if findName(children, name) >= 0 {
			return nil, &NameCollisionError{Name: name}
		}
		return append(children, entry), nil
	})
	if err != nil {
		// orphaned upload: pinned but never registered
		for _, cid := range append(f.ContentCIDs(), f.MetaCID) {
			cid := cid
			s.Queue.Enqueue("unpin "+cid, func(ctx context.Context) error {
				s.Blobs.Unpin(cid)
				return nil
			})
		}
		return "", err
	}
	return entry.ID, nil
}

// OpenFile unseals a file entry into a version.File handle with write
// access.
func (s *Store) OpenFile(ctx context.Context, folderID, entryID string) (f *version.File, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(folderID)
	if err != nil {
		return
	}
	err = s.load(ctx, n)
	if err != nil {
		return
	}
	i := findChild(n.children, entryID)
	if i < 0 {
		return nil, ErrUnknownChild
	}
	c := n.children[i]
	if c.Kind != codec.KindFile {
		return nil, ErrUnknownChild
	}

	key, signer, err := s.unsealChild(n, c)
	if err != nil {
		return
	}
	f, err = s.Files.Load(ctx, c.PointerName, key)
	if err != nil {
		return
	}
	f.Signer = signer
	return
}

// Rename changes an entry's name in its parent.  One parent publish;
// the entry's own record is untouched.
func (s *Store) Rename(ctx context.Context, folderID, entryID, newName string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(folderID)
	if err != nil {
		return
	}
	err = s.mutateChildren(ctx, n, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return nil, ErrUnknownChild
		}
		if j := findName(children, newName); j >= 0 && j != i {
			return nil, &NameCollisionError{Name: newName}
		}
		children[i].Name = newName
		return children, nil
	})
	if err != nil {
		return
	}
	// the merged entry's name is authoritative; a lost race may have
	// turned our rename into a conflict copy
	if i := findChild(n.children, entryID); i >= 0 {
		if child, ok := s.nodes[entryID]; ok {
			child.Name = n.children[i].Name
		}
	}
	return
}

// Move relocates an entry to another folder.  The entry is added to
// the destination and that publish confirmed before it is removed
// from the source, so a partial failure duplicates the entry instead
// of losing it.
func (s *Store) Move(ctx context.Context, srcID, entryID, dstID string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.node(srcID)
	if err != nil {
		return
	}
	dst, err := s.node(dstID)
	if err != nil {
		return
	}
	err = s.load(ctx, src)
	if err != nil {
		return
	}
	err = s.load(ctx, dst)
	if err != nil {
		return
	}

	i := findChild(src.children, entryID)
	if i < 0 {
		return ErrUnknownChild
	}
	entry := src.children[i]

	// validations before any mutation
	if entry.Kind == codec.KindFolder {
		if dst.Depth+1 > s.maxDepth() {
			return &DepthExceededError{Depth: dst.Depth + 1, Max: s.maxDepth()}
		}
		for cursor := dst; cursor != nil; {
			if cursor.ID == entryID {
				return ErrMoveCycle
			}
			if cursor.Parent == "" {
				break
			}
			cursor = s.nodes[cursor.Parent]
		}
	}
	if findName(dst.children, entry.Name) >= 0 {
		return &NameCollisionError{Name: entry.Name}
	}

	// the sealed keys move between parents, so they must be resealed
	// under the destination's key
	key, signer, err := s.unsealChild(src, entry)
	if err != nil {
		return
	}
	moved := entry
	moved.SealedKey, moved.SealedSigner, err = sealChild(dst.key, key, signer)
	if err != nil {
		return
	}

	// add to destination and confirm
	err = s.mutateChildren(ctx, dst, func(children []codec.Child) ([]codec.Child, error) {
		if findName(children, moved.Name) >= 0 {
			return nil, &NameCollisionError{Name: moved.Name}
		}
		return append(children, moved), nil
	})
	if err != nil {
		return
	}

	// only now remove from source
	err = s.mutateChildren(ctx, src, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return children, nil
		}
		return append(children[:i], children[i+1:]...), nil
	})
	if err != nil {
		// the entry now exists in both folders; duplicated, never
		// lost
		log.Warnf("move of %q removed from source failed, entry duplicated: %v", entry.Name, err)
		return
	}

	if child, ok := s.nodes[entryID]; ok {
		child.Parent = dst.ID
		s.redepth(child, dst.Depth+1)
	}
	return
}

// redepth fixes Depth on a moved subtree.  Callers hold s.mu.
func (s *Store) redepth(n *Node, depth int) {
	n.Depth = depth
	for _, c := range n.children {
		if child, ok := s.nodes[c.ID]; ok && child.Parent == n.ID {
			s.redepth(child, depth+1)
		}
	}
}

// DeleteFile removes a file entry, unpins every content state it
// references, and zeroes its keys.
func (s *Store) DeleteFile(ctx context.Context, folderID, entryID string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(folderID)
	if err != nil {
		return
	}
	err = s.load(ctx, n)
	if err != nil {
		return
	}
	i := findChild(n.children, entryID)
	if i < 0 {
		return ErrUnknownChild
	}
	c := n.children[i]
	if c.Kind != codec.KindFile {
		return ErrUnknownChild
	}

	key, _, err := s.unsealChild(n, c)
	if err != nil {
		return
	}
	f, err := s.Files.Load(ctx, c.PointerName, key)
	if err != nil {
		return
	}
	cids := append(f.ContentCIDs(), f.MetaCID)

	err = s.mutateChildren(ctx, n, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return children, nil
		}
		return append(children[:i], children[i+1:]...), nil
	})
	if err != nil {
		return
	}

	s.queueUnpins(cids)
	key.Zero()
	return
}

// DeleteFolder removes a folder entry and its whole subtree:
// descendant content hashes are collected and unpinned, nodes leave
// the arena, keys are zeroed.
func (s *Store) DeleteFolder(ctx context.Context, parentID, entryID string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.node(parentID)
	if err != nil {
		return
	}
	err = s.load(ctx, parent)
	if err != nil {
		return
	}
	i := findChild(parent.children, entryID)
	if i < 0 {
		return ErrUnknownChild
	}
	c := parent.children[i]
	if c.Kind != codec.KindFolder {
		return ErrUnknownChild
	}

	// collect the subtree's cids before touching anything
	var cids []string
	var doomed []*Node
	err = s.collect(ctx, entryID, &cids, &doomed)
	if err != nil {
		return
	}

	err = s.mutateChildren(ctx, parent, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return children, nil
		}
		return append(children[:i], children[i+1:]...), nil
	})
	if err != nil {
		return
	}

	s.queueUnpins(cids)
	for _, n := range doomed {
		n.zero()
		delete(s.byPointer, n.PointerName)
		delete(s.nodes, n.ID)
	}
	return
}

// collect walks a folder subtree gathering every pinned cid and every
// arena node under it.  Callers hold s.mu.
func (s *Store) collect(ctx context.Context, id string, cids *[]string, doomed *[]*Node) (err error) {
	n, err := s.node(id)
	if err != nil {
		return
	}
	err = s.load(ctx, n)
	if err != nil {
		return
	}
	*doomed = append(*doomed, n)
	*cids = append(*cids, n.metaCID)

	for _, c := range n.children {
		switch c.Kind {
		case codec.KindFolder:
			err = s.collect(ctx, c.ID, cids, doomed)
			if err != nil {
				return
			}
		case codec.KindFile:
			key, _, err := s.unsealChild(n, c)
			if err != nil {
				return err
			}
			f, err := s.Files.Load(ctx, c.PointerName, key)
			if err != nil {
				return err
			}
			*cids = append(*cids, f.ContentCIDs()...)
			*cids = append(*cids, f.MetaCID)
			key.Zero()
		default:
			log.Warnf("unknown child kind %q on %s", c.Kind, c.Name)
		}
	}
	return nil
}

func (s *Store) queueUnpins(cids []string) {
	for _, cid := range cids {
		cid := cid
		s.Queue.Enqueue("unpin "+cid, func(ctx context.Context) error {
			s.Blobs.Unpin(cid)
			return nil
		})
	}
}

// Touch updates a file's modified time after a rename, keeping the
// metadata record honest without touching the parent again.
func (s *Store) Touch(ctx context.Context, f *version.File) error {
	return s.Files.Touch(ctx, f)
}
