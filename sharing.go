package vaultbase

import (
	"context"

	"github.com/pkg/errors"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/share"
	"github.com/t7a/vaultbase/tree"
	"github.com/t7a/vaultbase/version"
)

// SharePath grants recipientPub read access to the folder or file at
// path.  The item's content key is wrapped to the recipient and the
// invite queued for out-of-band delivery.
func (e *Engine) SharePath(ctx context.Context, p string, recipientPub []byte, perm string) (rec *codec.ShareRecord, err error) {
	folderID, entry, err := e.lookupEntry(ctx, p)
	if err != nil {
		return
	}

	var ptr string
	var key keys.ContentKey
	switch entry.Kind {
	case codec.KindFolder:
		ptr, key, err = e.Tree.Capability(ctx, entry.ID)
		if err != nil {
			return
		}
	case codec.KindFile:
		f, err := e.Tree.OpenFile(ctx, folderID, entry.ID)
		if err != nil {
			return nil, err
		}
		ptr = f.PointerName()
		key = f.Key
	default:
		return nil, errors.Errorf("unknown entry kind: %s", entry.Kind)
	}

	return e.Shares.Share(ctx, ptr, entry.Kind, key, recipientPub, perm)
}

// Revoke ends one grant, rotating the underlying item's content key
// and re-wrapping it for the recipients that remain.  Content the
// revoked recipient fetched while the grant was live is already
// theirs; revocation protects what comes after.
func (e *Engine) Revoke(ctx context.Context, shareID string) (err error) {
	rec, err := e.Shares.DB.Get(shareID)
	if err != nil {
		return
	}
	rotate := func(ctx context.Context) (keys.ContentKey, error) {
		folderID, entryID, kind, err := e.Tree.FindEntry(ctx, rec.PointerName)
		if err != nil {
			return nil, err
		}
		if kind == codec.KindFolder {
			return e.Tree.RotateFolder(ctx, folderID, entryID)
		}
		return e.Tree.RotateFile(ctx, folderID, entryID)
	}
	return e.Shares.Revoke(ctx, shareID, rotate)
}

// OpenShared gives this engine's identity access to an invited item.
// A folder invite yields a namespace rooted at the shared folder; a
// file invite yields an open file handle.
func (e *Engine) OpenShared(ctx context.Context, inv *share.Invite) (st *tree.Store, f *version.File, err error) {
	raw, err := e.ID.Unwrap(inv.WrappedKey)
	if err != nil {
		return
	}
	key := keys.ContentKey(raw)

	switch inv.ItemType {
	case codec.KindFolder:
		st = tree.New(e.Blobs, e.Net, e.Pub, e.Queue, e.Files)
		st.AttachRoot("", key, nil, inv.PointerName)
		return st, nil, nil
	case codec.KindFile:
		f, err = e.Files.Load(ctx, inv.PointerName, key)
		if err != nil {
			key.Zero()
			return nil, nil, err
		}
		return nil, f, nil
	default:
		key.Zero()
		return nil, nil, errors.Errorf("unknown item type: %s", inv.ItemType)
	}
}
