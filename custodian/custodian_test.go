package custodian

import (
	"context"
	"testing"
	"time"

	"github.com/t7a/vaultbase/keys"
	"github.com/t7a/vaultbase/pointer"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) (c *Custodian, net *pointer.MemNet, sk *keys.SigningKey) {
	t.Helper()
	id, err := keys.GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	net = pointer.NewMemNet()
	c = New(id, net)
	sk, err = keys.GenerateSigningKey()
	tassert(t, err == nil, "GenerateSigningKey err %v", err)
	return
}

func TestRenewal(t *testing.T) {
	ctx := context.Background()
	c, net, sk := setup(t)
	c.Window = time.Hour
	c.TTL = 24 * time.Hour

	// publish a record that expires within the window
	rec, err := pointer.NewRecord(sk, "tree/sha256/cafe", 0, time.Minute)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, net.Publish(ctx, rec) == nil, "Publish failed")

	wrapped, err := WrapForCustodian(sk, c.PublicKey())
	tassert(t, err == nil, "WrapForCustodian err %v", err)
	c.RegisterForRenewal(sk.PointerName(), wrapped, time.Now().UTC().Add(time.Hour))

	renewed := c.Sweep(ctx)
	tassert(t, renewed == 1, "renewed %v", renewed)

	got, err := net.Resolve(ctx, sk.PointerName())
	tassert(t, err == nil, "Resolve err %v", err)
	tassert(t, got.Sequence == 1, "seq %v", got.Sequence)
	tassert(t, got.CID == rec.CID, "cid changed on renewal: %v", got.CID)
	tassert(t, got.Expires.After(rec.Expires), "expiry should extend")

	// a fresh record is left alone
	renewed = c.Sweep(ctx)
	tassert(t, renewed == 0, "renewed %v", renewed)
}

func TestEpochExpiry(t *testing.T) {
	ctx := context.Background()
	c, net, sk := setup(t)
	c.Window = time.Hour

	rec, err := pointer.NewRecord(sk, "tree/sha256/cafe", 0, time.Minute)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, net.Publish(ctx, rec) == nil, "Publish failed")

	wrapped, err := WrapForCustodian(sk, c.PublicKey())
	tassert(t, err == nil, "WrapForCustodian err %v", err)

	// registration epoch already past: no renewal, registration dropped
	c.RegisterForRenewal(sk.PointerName(), wrapped, time.Now().UTC().Add(-time.Minute))
	renewed := c.Sweep(ctx)
	tassert(t, renewed == 0, "renewed %v", renewed)

	got, err := net.Resolve(ctx, sk.PointerName())
	tassert(t, err == nil, "Resolve err %v", err)
	tassert(t, got.Sequence == 0, "seq %v", got.Sequence)
}

// A custodian holding a key wrapped to someone else must fail closed.
func TestWrongCustodian(t *testing.T) {
	ctx := context.Background()
	c, net, sk := setup(t)
	c.Window = time.Hour

	rec, err := pointer.NewRecord(sk, "tree/sha256/cafe", 0, time.Minute)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, net.Publish(ctx, rec) == nil, "Publish failed")

	other, err := keys.GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	wrapped, err := WrapForCustodian(sk, other.Public[:])
	tassert(t, err == nil, "WrapForCustodian err %v", err)

	c.RegisterForRenewal(sk.PointerName(), wrapped, time.Now().UTC().Add(time.Hour))
	renewed := c.Sweep(ctx)
	tassert(t, renewed == 0, "renewed %v", renewed)
}
