package share

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/tasks"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) (m *Manager, ob *MemOutbox, owner *keys.Identity) {
	t.Helper()
	sdb, err := OpenDB(filepath.Join(t.TempDir(), "shares.db"))
	tassert(t, err == nil, "OpenDB err %v", err)
	t.Cleanup(func() { sdb.Close() })

	owner, err = keys.GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	ob = NewMemOutbox()
	q := tasks.NewQueue()
	q.Backoff = time.Millisecond
	m = &Manager{DB: sdb, Outbox: ob, Queue: q, Owner: owner.Public[:]}
	return
}

func mkrecipient(t *testing.T) *keys.Identity {
	t.Helper()
	id, err := keys.GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	return id
}

func TestShareAndAccept(t *testing.T) {
	ctx := context.Background()
	m, ob, _ := setup(t)
	recipient := mkrecipient(t)

	key, err := keys.GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)

	rec, err := m.Share(ctx, "deadbeef", codec.KindFolder, key, recipient.Public[:], "")
	tassert(t, err == nil, "Share err %v", err)
	tassert(t, rec.Status == codec.ShareActive, "status %v", rec.Status)
	tassert(t, rec.Permission == codec.PermRead, "perm %v", rec.Permission)

	m.Queue.Drain(ctx)
	payloads := ob.Take(recipient.Public[:])
	tassert(t, len(payloads) == 1, "payloads %v", len(payloads))

	inv, err := UnmarshalInvite(payloads[0])
	tassert(t, err == nil, "UnmarshalInvite err %v", err)
	tassert(t, inv.PointerName == "deadbeef", "ptr %v", inv.PointerName)
	tassert(t, inv.ItemType == codec.KindFolder, "type %v", inv.ItemType)

	got, err := recipient.Unwrap(inv.WrappedKey)
	tassert(t, err == nil, "Unwrap err %v", err)
	tassert(t, key.Equal(keys.ContentKey(got)), "unwrapped key differs")

	// anyone else gets nothing out of the invite
	stranger := mkrecipient(t)
	_, err = stranger.Unwrap(inv.WrappedKey)
	tassert(t, err == keys.ErrDecryptionFailed, "expected ErrDecryptionFailed, got %v", err)
}

// Revoking one grant rotates the item key and re-wraps it for the
// recipients that remain; the revoked recipient never sees the new
// key.
func TestRevokeRotates(t *testing.T) {
	ctx := context.Background()
	m, ob, _ := setup(t)
	r1 := mkrecipient(t)
	r2 := mkrecipient(t)

	oldKey, err := keys.GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)

	s1, err := m.Share(ctx, "cafe", codec.KindFile, oldKey, r1.Public[:], "")
	tassert(t, err == nil, "Share err %v", err)
	s2, err := m.Share(ctx, "cafe", codec.KindFile, oldKey, r2.Public[:], "")
	tassert(t, err == nil, "Share err %v", err)

	m.Queue.Drain(ctx)
	ob.Take(r1.Public[:])
	ob.Take(r2.Public[:])

	newKey, err := keys.GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)
	rotations := 0
	rotate := func(ctx context.Context) (keys.ContentKey, error) {
		rotations++
		return newKey, nil
	}

	err = m.Revoke(ctx, s1.ID, rotate)
	tassert(t, err == nil, "Revoke err %v", err)
	tassert(t, rotations == 1, "rotations %v", rotations)

	got, err := m.DB.Get(s1.ID)
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, got.Status == codec.ShareRevoked, "status %v", got.Status)
	tassert(t, !got.RevokedAt.IsZero(), "RevokedAt unset")

	// the surviving grant now wraps the new key
	got2, err := m.DB.Get(s2.ID)
	tassert(t, err == nil, "Get err %v", err)
	plain, err := r2.Unwrap(got2.WrappedKey)
	tassert(t, err == nil, "Unwrap err %v", err)
	tassert(t, newKey.Equal(keys.ContentKey(plain)), "r2 should hold the new key")
	_, err = r1.Unwrap(got2.WrappedKey)
	tassert(t, err == keys.ErrDecryptionFailed, "r1 must not open r2's wrap, got %v", err)

	// r2 gets a fresh invite, r1 does not
	m.Queue.Drain(ctx)
	tassert(t, len(ob.Take(r2.Public[:])) == 1, "r2 should get a re-wrap invite")
	tassert(t, len(ob.Take(r1.Public[:])) == 0, "r1 should get nothing")

	// idempotent: a second revoke doesn't rotate again
	err = m.Revoke(ctx, s1.ID, rotate)
	tassert(t, err == nil, "Revoke err %v", err)
	tassert(t, rotations == 1, "rotations %v", rotations)

	err = m.Revoke(ctx, "no-such-share", rotate)
	tassert(t, err == ErrUnknownShare, "expected ErrUnknownShare, got %v", err)
}

func TestDBPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "shares.db")

	sdb, err := OpenDB(path)
	tassert(t, err == nil, "OpenDB err %v", err)
	owner := mkrecipient(t)
	recipient := mkrecipient(t)
	q := tasks.NewQueue()
	q.Backoff = time.Millisecond
	m := &Manager{DB: sdb, Outbox: NewMemOutbox(), Queue: q, Owner: owner.Public[:]}

	key, err := keys.GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)
	rec, err := m.Share(ctx, "beef", codec.KindFolder, key, recipient.Public[:], "")
	tassert(t, err == nil, "Share err %v", err)
	m.Queue.Drain(ctx)
	tassert(t, sdb.Close() == nil, "Close failed")

	sdb, err = OpenDB(path)
	tassert(t, err == nil, "reopen err %v", err)
	defer sdb.Close()
	got, err := sdb.Get(rec.ID)
	tassert(t, err == nil, "Get err %v", err)
	tassert(t, got.PointerName == "beef", "ptr %v", got.PointerName)

	active, err := sdb.ActiveForItem("beef")
	tassert(t, err == nil, "ActiveForItem err %v", err)
	tassert(t, len(active) == 1, "active %v", len(active))
}
