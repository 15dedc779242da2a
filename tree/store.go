/*

Package tree is the in-memory, lazily-loaded view of the decrypted
namespace.  Folders live in an arena of nodes addressed by id; parent
and child relations are id references.  The store handle is owned and
passed explicitly -- there is no package-level singleton -- and every
mutation runs serialized through it against a fresh snapshot of the
node's children.

Persistence is a folder record per node in the blob store, encrypted
under the node's own content key, named by a mutable pointer.  Child
keys are sealed with the parent's key, so holding a folder's key is
exactly the capability to descend from it.

*/
package tree

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/t7a/vaultbase/blob"
	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
	"github.com/t7a/vaultbase/tasks"
	"github.com/t7a/vaultbase/version"
)

// Store owns the folder arena.
type Store struct {
	Blobs    *blob.Store
	Net      pointer.Network
	Pub      *pointer.Publisher
	Queue    *tasks.Queue
	Files    *version.Manager
	MaxDepth int

	mu        sync.Mutex
	nodes     map[string]*Node
	byPointer map[string]string // pointer name -> node id
	rootID    string
}

// New builds an empty store around its collaborators.
func New(blobs *blob.Store, net pointer.Network, pub *pointer.Publisher, queue *tasks.Queue, files *version.Manager) *Store {
	return &Store{
		Blobs:     blobs,
		Net:       net,
		Pub:       pub,
		Queue:     queue,
		Files:     files,
		MaxDepth:  DefaultMaxDepth,
		nodes:     make(map[string]*Node),
		byPointer: make(map[string]string),
	}
}

func (s *Store) maxDepth() int {
	if s.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return s.MaxDepth
}

// RootID returns the arena id of the root folder.
func (s *Store) RootID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootID
}

// InitRoot creates a brand-new namespace: fresh keys, one publish of
// an empty folder record at sequence 0.  Returns the root node id;
// the caller is responsible for persisting the root capability (key
// and signer) wrapped to the owner's identity.
func (s *Store) InitRoot(ctx context.Context, name string) (id string, key keys.ContentKey, signer *keys.SigningKey, err error) {
	defer Return(&err)

	key, err = keys.GenerateContentKey()
	Ck(err)
	signer, err = keys.GenerateSigningKey()
	Ck(err)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := &Node{
		ID:          newID(),
		Name:        name,
		PointerName: signer.PointerName(),
		Depth:       0,
		state:       StateLoaded,
		key:         key,
		signer:      signer,
	}
	cid, err := s.putFolderBlob(&codec.FolderMetadata{}, n.key)
	Ck(err)
	_, err = s.Pub.Publish(ctx, n.signer, cid, 0)
	if err != nil {
		s.Blobs.Unpin(cid)
		return "", nil, nil, err
	}
	n.seq = 0
	n.metaCID = cid

	s.nodes[n.ID] = n
	s.byPointer[n.PointerName] = n.ID
	s.rootID = n.ID
	return n.ID, key, signer, nil
}

// AttachRoot registers an existing namespace root from its
// capability: the pointer signing key and content key recovered by
// the owner (or a share recipient, signer nil for read-only use).
func (s *Store) AttachRoot(name string, key keys.ContentKey, signer *keys.SigningKey, pointerName string) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := &Node{
		ID:          newID(),
		Name:        name,
		PointerName: pointerName,
		Depth:       0,
		state:       StateUnloaded,
		key:         key,
		signer:      signer,
	}
	s.nodes[n.ID] = n
	s.byPointer[n.PointerName] = n.ID
	s.rootID = n.ID
	return n.ID
}

// node looks up an arena node.  Callers hold s.mu.
func (s *Store) node(id string) (*Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrUnknownNode
	}
	return n, nil
}

// Load brings a node to the loaded state: resolve its pointer, fetch
// the record blob, decrypt.  Idempotent for loaded nodes.  A failure
// parks the node in the failed state with the error retained; a later
// Load retries.
func (s *Store) Load(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(id)
	if err != nil {
		return
	}
	return s.load(ctx, n)
}

// load is Load without the lock.  Callers hold s.mu.
func (s *Store) load(ctx context.Context, n *Node) (err error) {
	if n.state == StateLoaded {
		return nil
	}
	n.state = StateLoading
	n.loadErr = nil

	rec, err := s.Net.Resolve(ctx, n.PointerName)
	if err != nil {
		n.state = StateFailed
		n.loadErr = err
		return
	}
	buf, err := s.Blobs.Get(rec.CID)
	if err != nil {
		n.state = StateFailed
		n.loadErr = err
		return
	}
	meta, err := codec.DecodeFolderBlob(buf, n.key)
	if err != nil {
		n.state = StateFailed
		n.loadErr = err
		return
	}

	n.children = meta.Children
	n.seq = rec.Sequence
	n.metaCID = rec.CID
	n.state = StateLoaded
	log.Debugf("loaded %s (%s) seq %d, %d children", n.ID, n.Name, n.seq, len(n.children))

	// register child folders in the arena so they can be loaded
	// lazily in turn
	for _, c := range n.children {
		s.adoptChild(n, c)
	}
	return nil
}

// adoptChild ensures a folder entry has an arena node.  Callers hold
// s.mu.
func (s *Store) adoptChild(parent *Node, c codec.Child) {
	switch c.Kind {
	case codec.KindFolder:
	case codec.KindFile:
		// files live in version.Manager, not the arena
		return
	default:
		// unknown kind from a newer schema; leave it alone
		log.Warnf("unknown child kind %q on %s", c.Kind, c.Name)
		return
	}
	if _, ok := s.nodes[c.ID]; ok {
		return
	}
	key, signer, err := s.unsealChild(parent, c)
	if err != nil {
		log.Warnf("cannot unseal child %s: %v", c.Name, err)
		return
	}
	n := &Node{
		ID:          c.ID,
		Name:        c.Name,
		Parent:      parent.ID,
		PointerName: c.PointerName,
		Depth:       parent.Depth + 1,
		state:       StateUnloaded,
		key:         key,
		signer:      signer,
	}
	s.nodes[n.ID] = n
	s.byPointer[n.PointerName] = n.ID
}

// unsealChild recovers a child's content key and signing key with the
// parent's content key.
func (s *Store) unsealChild(parent *Node, c codec.Child) (key keys.ContentKey, signer *keys.SigningKey, err error) {
	raw, err := codec.OpenEnvelope(c.SealedKey, parent.key)
	if err != nil {
		return
	}
	key = keys.ContentKey(raw)
	if len(c.SealedSigner) == 0 {
		// read-only entry
		return key, nil, nil
	}
	priv, err := codec.OpenEnvelope(c.SealedSigner, parent.key)
	if err != nil {
		return nil, nil, err
	}
	defer keys.Zero(priv)
	signer, err = keys.SigningKeyFromPrivate(priv)
	if err != nil {
		return nil, nil, err
	}
	return
}

// sealChild produces the sealed key fields of a child entry.
func sealChild(parentKey keys.ContentKey, key keys.ContentKey, signer *keys.SigningKey) (sealedKey, sealedSigner []byte, err error) {
	sealedKey, err = codec.SealEnvelope(key, parentKey)
	if err != nil {
		return
	}
	sealedSigner, err = codec.SealEnvelope(signer.Private, parentKey)
	return
}

// Snapshot returns a copy of a loaded node's children.
func (s *Store) Snapshot(ctx context.Context, id string) (children []codec.Child, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(id)
	if err != nil {
		return
	}
	err = s.load(ctx, n)
	if err != nil {
		return
	}
	return snapshot(n.children), nil
}

// Refresh drops a node back to unloaded and reloads it from the
// network, e.g. after the poller saw a newer sequence.
func (s *Store) Refresh(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(id)
	if err != nil {
		return
	}
	n.state = StateUnloaded
	return s.load(ctx, n)
}

// HandleRemote is the poller callback: a newer record appeared for
// some pointer we hold.  Reload the matching node if the record is
// really newer than what we have.
func (s *Store) HandleRemote(ctx context.Context, name string, rec *pointer.Record) {
	s.mu.Lock()
	id, ok := s.byPointer[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	n := s.nodes[id]
	if rec.Sequence <= n.seq {
		s.mu.Unlock()
		return
	}
	n.state = StateUnloaded
	err := s.load(ctx, n)
	s.mu.Unlock()
	if err != nil {
		log.Warnf("remote refresh %s: %v", name, err)
	}
}

// FindEntry walks the tree from the root looking for the entry whose
// pointer name matches, loading folders as it goes.  Revocation uses
// this to locate the item behind a grant.
func (s *Store) FindEntry(ctx context.Context, pointerName string) (folderID, entryID, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := []string{s.rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, err := s.node(id)
		if err != nil {
			return "", "", "", err
		}
		err = s.load(ctx, n)
		if err != nil {
			return "", "", "", err
		}
		for _, c := range n.children {
			if c.PointerName == pointerName {
				return n.ID, c.ID, c.Kind, nil
			}
			if c.Kind == codec.KindFolder {
				queue = append(queue, c.ID)
			}
		}
	}
	return "", "", "", ErrUnknownChild
}

// putFolderBlob encodes, stores, and pins one folder record.
func (s *Store) putFolderBlob(meta *codec.FolderMetadata, key keys.ContentKey) (cid string, err error) {
	buf, err := codec.EncodeFolderBlob(meta, key)
	if err != nil {
		return
	}
	cid, err = s.Blobs.Put(buf)
	if err != nil {
		return
	}
	err = s.Blobs.Pin(cid)
	if err != nil {
		// stored but never registered; compensate
		s.Blobs.Unpin(cid)
		return "", err
	}
	return
}
