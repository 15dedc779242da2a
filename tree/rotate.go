package tree

import (
	"context"

	. "github.com/stevegt/goadapt"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
)

// Capability returns copies of a folder's pointer name and content
// key, e.g. to wrap for a share recipient.  The signing key stays
// inside the store; read access is the only thing a capability grants.
func (s *Store) Capability(ctx context.Context, id string) (pointerName string, key keys.ContentKey, err error) {
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
	key = append(keys.ContentKey(nil), n.key...)
	return n.PointerName, key, nil
}

// RotateFolder re-keys one subfolder after a revocation: fresh content
// key, every child envelope resealed, the folder republished under the
// new key, and the parent's entry resealed to wrap it.  Descendant
// folders keep their own keys; a revoked recipient can't reach them
// anymore once this folder's record stops decrypting for them.
// Returns the new key so the caller can re-wrap it for the remaining
// recipients.
func (s *Store) RotateFolder(ctx context.Context, parentID, entryID string) (newKey keys.ContentKey, err error) {
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
	i := findChild(parent.children, entryID)
	if i < 0 || parent.children[i].Kind != codec.KindFolder {
		return nil, ErrUnknownChild
	}
	n, err := s.node(entryID)
	if err != nil {
		return
	}
	err = s.load(ctx, n)
	if err != nil {
		return
	}

	newKey, err = keys.GenerateContentKey()
	Ck(err)

	// reseal every child envelope under the new key
	children := snapshot(n.children)
	for j := range children {
		raw, err := codec.OpenEnvelope(children[j].SealedKey, n.key)
		if err != nil {
			return nil, err
		}
		children[j].SealedKey, err = codec.SealEnvelope(raw, newKey)
		keys.Zero(raw)
		if err != nil {
			return nil, err
		}
		if len(children[j].SealedSigner) > 0 {
			raw, err = codec.OpenEnvelope(children[j].SealedSigner, n.key)
			if err != nil {
				return nil, err
			}
			children[j].SealedSigner, err = codec.SealEnvelope(raw, newKey)
			keys.Zero(raw)
			if err != nil {
				return nil, err
			}
		}
	}

	cid, err := s.putFolderBlob(&codec.FolderMetadata{Children: children}, newKey)
	Ck(err)
	_, err = s.Pub.Publish(ctx, n.signer, cid, n.seq+1)
	if err != nil {
		s.Blobs.Unpin(cid)
		return nil, err
	}
	if n.metaCID != "" && n.metaCID != cid {
		old := n.metaCID
		s.Queue.Enqueue("unpin "+old, func(ctx context.Context) error {
			s.Blobs.Unpin(old)
			return nil
		})
	}
	oldKey := n.key
	n.key = append(keys.ContentKey(nil), newKey...)
	n.children = children
	n.seq = n.seq + 1
	n.metaCID = cid
	oldKey.Zero()

	// the parent's entry still wraps the dead key; reseal it
	sealedKey, sealedSigner, err := sealChild(parent.key, n.key, n.signer)
	Ck(err)
	err = s.mutateChildren(ctx, parent, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return nil, ErrUnknownChild
		}
		children[i].SealedKey = sealedKey
		children[i].SealedSigner = sealedSigner
		return children, nil
	})
	if err != nil {
		return nil, err
	}
	return newKey, nil
}

// RotateFile re-keys one file entry and reseals the parent's sealed
// key for it.  Returns the new file key for re-wrapping.
func (s *Store) RotateFile(ctx context.Context, folderID, entryID string) (newKey keys.ContentKey, err error) {
	f, err := s.OpenFile(ctx, folderID, entryID)
	if err != nil {
		return
	}
	err = s.Files.Rotate(ctx, f)
	if err != nil {
		return
	}
	err = s.resealFileEntry(ctx, folderID, entryID, f.Key)
	if err != nil {
		return
	}
	return f.Key, nil
}

// resealFileEntry updates a file entry's sealed key after the file was
// re-keyed.
func (s *Store) resealFileEntry(ctx context.Context, folderID, entryID string, newKey keys.ContentKey) (err error) {
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
	if i < 0 || n.children[i].Kind != codec.KindFile {
		return ErrUnknownChild
	}
	sealed, err := codec.SealEnvelope(newKey, n.key)
	if err != nil {
		return
	}
	return s.mutateChildren(ctx, n, func(children []codec.Child) ([]codec.Child, error) {
		i := findChild(children, entryID)
		if i < 0 {
			return nil, ErrUnknownChild
		}
		children[i].SealedKey = sealed
		return children, nil
	})
}
