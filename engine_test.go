package vaultbase

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/share"
	"github.com/t7a/vaultbase/version"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mkidentity(t *testing.T) *keys.Identity {
	t.Helper()
	id, err := keys.GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	return id
}

func setup(t *testing.T) (e *Engine, id *keys.Identity, ob *share.MemOutbox, dir string) {
	t.Helper()
	dir = t.TempDir()
	id = mkidentity(t)
	ob = share.NewMemOutbox()
	e, err := Create(context.Background(), dir, id, ob)
	tassert(t, err == nil, "Create err %v", err)
	e.Queue.Backoff = time.Millisecond
	t.Cleanup(func() { e.Close() })
	return
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	e, id, ob, dir := setup(t)

	_, err := e.Mkdir(ctx, "/Docs")
	tassert(t, err == nil, "Mkdir err %v", err)
	err = e.Put(ctx, "/Docs/a.txt", bytes.NewReader([]byte("hello ten.")), "text/plain", version.SaveExplicit, false)
	tassert(t, err == nil, "Put err %v", err)

	children, err := e.List(ctx, "/")
	tassert(t, err == nil, "List err %v", err)
	tassert(t, len(children) == 1 && children[0].Name == "Docs", "root children %v", children)
	children, err = e.List(ctx, "/Docs")
	tassert(t, err == nil, "List err %v", err)
	tassert(t, len(children) == 1 && children[0].Name == "a.txt", "docs children %v", children)
	tassert(t, children[0].Kind == codec.KindFile, "kind %v", children[0].Kind)

	plain, err := e.Get(ctx, "/Docs/a.txt")
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, string(plain) == "hello ten.", "content %q", plain)

	_, err = e.Get(ctx, "/Docs/missing.txt")
	tassert(t, err == ErrNoSuchPath, "expected ErrNoSuchPath, got %v", err)
	_, err = e.Get(ctx, "/Docs")
	tassert(t, err == ErrNotAFile, "expected ErrNotAFile, got %v", err)

	// the capability round trip: close everything, reopen with the
	// same identity, read the same file
	tassert(t, e.Close() == nil, "Close failed")
	e2, err := Open(dir, id, ob)
	tassert(t, err == nil, "Open err %v", err)
	defer e2.Close()
	plain, err = e2.Get(ctx, "/Docs/a.txt")
	tassert(t, err == nil, "Get after reopen err %v", err)
	tassert(t, string(plain) == "hello ten.", "content %q", plain)
}

// A stranger's identity can't unwrap the persisted root capability.
func TestEngineWrongIdentity(t *testing.T) {
	e, _, ob, dir := setup(t)
	tassert(t, e.Close() == nil, "Close failed")

	_, err := Open(dir, mkidentity(t), ob)
	tassert(t, err != nil, "open with a stranger's identity must fail")
}

func TestEngineVersions(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := setup(t)

	err := e.Put(ctx, "/notes.txt", bytes.NewReader([]byte("first")), "text/plain", version.SaveExplicit, false)
	tassert(t, err == nil, "Put err %v", err)
	err = e.Put(ctx, "/notes.txt", bytes.NewReader([]byte("second")), "text/plain", version.SaveExplicit, false)
	tassert(t, err == nil, "Put err %v", err)

	versions, err := e.Versions(ctx, "/notes.txt")
	tassert(t, err == nil, "Versions err %v", err)
	tassert(t, len(versions) == 1, "versions %v", len(versions))

	prev, err := e.GetVersion(ctx, "/notes.txt", 0)
	tassert(t, err == nil, "GetVersion err %v", err)
	tassert(t, string(prev) == "first", "version %q", prev)

	err = e.Restore(ctx, "/notes.txt", 0)
	tassert(t, err == nil, "Restore err %v", err)
	plain, err := e.Get(ctx, "/notes.txt")
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, string(plain) == "first", "content %q", plain)
}

func TestEngineRemoveAndMove(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := setup(t)

	_, err := e.Mkdir(ctx, "/a")
	tassert(t, err == nil, "Mkdir err %v", err)
	_, err = e.Mkdir(ctx, "/b")
	tassert(t, err == nil, "Mkdir err %v", err)
	err = e.Put(ctx, "/a/x.txt", bytes.NewReader([]byte("x")), "", version.SaveExplicit, false)
	tassert(t, err == nil, "Put err %v", err)

	err = e.Move(ctx, "/a/x.txt", "/b")
	tassert(t, err == nil, "Move err %v", err)
	plain, err := e.Get(ctx, "/b/x.txt")
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, string(plain) == "x", "content %q", plain)
	_, err = e.Get(ctx, "/a/x.txt")
	tassert(t, err == ErrNoSuchPath, "expected ErrNoSuchPath, got %v", err)

	err = e.Rename(ctx, "/b/x.txt", "y.txt")
	tassert(t, err == nil, "Rename err %v", err)
	err = e.Remove(ctx, "/b/y.txt")
	tassert(t, err == nil, "Remove err %v", err)
	err = e.Remove(ctx, "/a")
	tassert(t, err == nil, "Remove err %v", err)
	children, err := e.List(ctx, "/")
	tassert(t, err == nil, "List err %v", err)
	tassert(t, len(children) == 1 && children[0].Name == "b", "root children %v", children)
}

// The full sharing story: grant, out-of-band invite, recipient reads,
// revoke rotates, recipient is locked out while the owner keeps going.
func TestEngineShareRevoke(t *testing.T) {
	ctx := context.Background()
	e, _, ob, _ := setup(t)

	_, err := e.Mkdir(ctx, "/Docs")
	tassert(t, err == nil, "Mkdir err %v", err)
	err = e.Put(ctx, "/Docs/a.txt", bytes.NewReader([]byte("shared words")), "text/plain", version.SaveExplicit, false)
	tassert(t, err == nil, "Put err %v", err)

	// recipient rides the same backends, with their own identity and
	// grant ledger
	rid := mkidentity(t)
	rdb, err := share.OpenDB(filepath.Join(t.TempDir(), "shares.db"))
	tassert(t, err == nil, "OpenDB err %v", err)
	defer rdb.Close()
	r := NewWith("", rid, e.Blobs, e.Net, rdb, ob)

	grant, err := e.SharePath(ctx, "/Docs", rid.Public[:], "")
	tassert(t, err == nil, "SharePath err %v", err)
	e.Queue.Drain(ctx)

	payloads := ob.Take(rid.Public[:])
	tassert(t, len(payloads) == 1, "payloads %v", len(payloads))
	inv, err := share.UnmarshalInvite(payloads[0])
	tassert(t, err == nil, "UnmarshalInvite err %v", err)

	st, _, err := r.OpenShared(ctx, inv)
	tassert(t, err == nil, "OpenShared err %v", err)
	children, err := st.Snapshot(ctx, st.RootID())
	tassert(t, err == nil, "Snapshot err %v", err)
	tassert(t, len(children) == 1 && children[0].Name == "a.txt", "shared children %v", children)
	f, err := st.OpenFile(ctx, st.RootID(), children[0].ID)
	tassert(t, err == nil, "OpenFile err %v", err)
	plain, err := st.Files.GetContent(f)
	tassert(t, err == nil, "GetContent err %v", err)
	tassert(t, string(plain) == "shared words", "content %q", plain)

	// revoke: the folder key rotates, the old invite goes dark
	err = e.Revoke(ctx, grant.ID)
	tassert(t, err == nil, "Revoke err %v", err)

	st2, _, err := r.OpenShared(ctx, inv)
	tassert(t, err == nil, "OpenShared err %v", err)
	err = st2.Load(ctx, st2.RootID())
	tassert(t, err == codec.ErrAuthenticationFailed, "revoked key should fail, got %v", err)

	// the owner is unaffected
	plain, err = e.Get(ctx, "/Docs/a.txt")
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, string(plain) == "shared words", "content %q", plain)
}
