package pointer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/t7a/vaultbase/keys"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mksigner(t *testing.T) *keys.SigningKey {
	t.Helper()
	sk, err := keys.GenerateSigningKey()
	tassert(t, err == nil, "GenerateSigningKey err %v", err)
	return sk
}

func TestRecordVerify(t *testing.T) {
	sk := mksigner(t)

	rec, err := NewRecord(sk, "tree/sha256/cafe", 1, 0)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, rec.Name == sk.PointerName(), "name %v", rec.Name)
	tassert(t, rec.Verify() == nil, "Verify err %v", rec.Verify())

	// marshal round trip preserves the signature
	buf, err := rec.Marshal()
	tassert(t, err == nil, "Marshal err %v", err)
	got, err := UnmarshalRecord(buf)
	tassert(t, err == nil, "UnmarshalRecord err %v", err)
	tassert(t, got.CID == rec.CID, "cid %v", got.CID)

	// a tampered record must not unmarshal
	rec.CID = "tree/sha256/beef"
	buf, err = rec.Marshal()
	tassert(t, err == nil, "Marshal err %v", err)
	_, err = UnmarshalRecord(buf)
	tassert(t, err == ErrBadSignature, "expected ErrBadSignature, got %v", err)

	// a key can't sign for someone else's name
	other := mksigner(t)
	_, err = rec.Resign(other, 0)
	tassert(t, err == keys.ErrInvalidKeyFormat, "expected ErrInvalidKeyFormat, got %v", err)
}

func netImpls(t *testing.T) map[string]Network {
	dn, err := OpenDirNet(t.TempDir())
	tassert(t, err == nil, "OpenDirNet err %v", err)
	t.Cleanup(func() { dn.Close() })
	return map[string]Network{
		"mem": NewMemNet(),
		"dir": dn,
	}
}

func TestPublishResolve(t *testing.T) {
	ctx := context.Background()
	for label, net := range netImpls(t) {
		sk := mksigner(t)

		_, err := net.Resolve(ctx, sk.PointerName())
		tassert(t, err == ErrNotFound, "%s: expected ErrNotFound, got %v", label, err)

		rec, err := NewRecord(sk, "tree/sha256/cafe", 0, 0)
		tassert(t, err == nil, "%s: NewRecord err %v", label, err)
		err = net.Publish(ctx, rec)
		tassert(t, err == nil, "%s: Publish err %v", label, err)

		got, err := net.Resolve(ctx, sk.PointerName())
		tassert(t, err == nil, "%s: Resolve err %v", label, err)
		tassert(t, got.CID == "tree/sha256/cafe", "%s: cid %v", label, got.CID)
		tassert(t, got.Sequence == 0, "%s: seq %v", label, got.Sequence)
	}
}

// A second publish at an already-used sequence number must fail with
// the current sequence, and the first record must still resolve.
func TestStaleSequence(t *testing.T) {
	ctx := context.Background()
	for label, net := range netImpls(t) {
		sk := mksigner(t)

		first, err := NewRecord(sk, "tree/sha256/cafe", 0, 0)
		tassert(t, err == nil, "%s: NewRecord err %v", label, err)
		err = net.Publish(ctx, first)
		tassert(t, err == nil, "%s: Publish err %v", label, err)

		second, err := NewRecord(sk, "tree/sha256/beef", 0, 0)
		tassert(t, err == nil, "%s: NewRecord err %v", label, err)
		err = net.Publish(ctx, second)
		stale, ok := err.(*StaleSequenceError)
		tassert(t, ok, "%s: expected StaleSequenceError, got %v", label, err)
		tassert(t, stale.Current == 0, "%s: current %v", label, stale.Current)

		// first record untouched
		got, err := net.Resolve(ctx, sk.PointerName())
		tassert(t, err == nil, "%s: Resolve err %v", label, err)
		tassert(t, got.CID == "tree/sha256/cafe", "%s: cid %v", label, got.CID)

		// the remedy: retry at Current+1
		retry, err := NewRecord(sk, "tree/sha256/beef", stale.Current+1, 0)
		tassert(t, err == nil, "%s: NewRecord err %v", label, err)
		err = net.Publish(ctx, retry)
		tassert(t, err == nil, "%s: retry Publish err %v", label, err)

		// skipping ahead is also stale
		skip, err := NewRecord(sk, "tree/sha256/f00d", 5, 0)
		tassert(t, err == nil, "%s: NewRecord err %v", label, err)
		err = net.Publish(ctx, skip)
		_, ok = err.(*StaleSequenceError)
		tassert(t, ok, "%s: expected StaleSequenceError for skip, got %v", label, err)
	}
}

func TestPublisherInFlight(t *testing.T) {
	net := NewMemNet()
	p := NewPublisher(net)
	sk := mksigner(t)

	name := sk.PointerName()
	tassert(t, p.acquire(name), "acquire should succeed")
	_, err := p.Publish(context.Background(), sk, "tree/sha256/cafe", 0)
	tassert(t, err == ErrPublishInFlight, "expected ErrPublishInFlight, got %v", err)
	p.release(name)

	rec, err := p.Publish(context.Background(), sk, "tree/sha256/cafe", 0)
	tassert(t, err == nil, "Publish err %v", err)
	tassert(t, rec.Sequence == 0, "seq %v", rec.Sequence)
}

func TestResign(t *testing.T) {
	sk := mksigner(t)
	rec, err := NewRecord(sk, "tree/sha256/cafe", 3, time.Minute)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, rec.NearExpiry(time.Hour), "should be near expiry within an hour window")
	tassert(t, !rec.NearExpiry(time.Second), "should not be near expiry within a second window")

	renewed, err := rec.Resign(sk, time.Hour)
	tassert(t, err == nil, "Resign err %v", err)
	tassert(t, renewed.CID == rec.CID, "cid changed on renewal")
	tassert(t, renewed.Sequence == rec.Sequence+1, "seq %v", renewed.Sequence)
	tassert(t, renewed.Verify() == nil, "renewed record should verify")
	tassert(t, renewed.Expires.After(rec.Expires), "expiry should extend")
}

func TestPoller(t *testing.T) {
	ctx := context.Background()
	net := NewMemNet()
	sk := mksigner(t)

	var mu sync.Mutex
	var updates []uint64
	poller := NewPoller(net, func(name string, rec *Record) {
		mu.Lock()
		updates = append(updates, rec.Sequence)
		mu.Unlock()
	})
	poller.Watch(sk.PointerName(), -1)

	rec, err := NewRecord(sk, "tree/sha256/cafe", 0, 0)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, net.Publish(ctx, rec) == nil, "Publish failed")

	poller.Sweep(ctx)
	mu.Lock()
	tassert(t, len(updates) == 1 && updates[0] == 0, "updates %v", updates)
	mu.Unlock()

	// no change, no update
	poller.Sweep(ctx)
	mu.Lock()
	tassert(t, len(updates) == 1, "updates %v", updates)
	mu.Unlock()

	// paused sweeps are ignored
	rec2, err := NewRecord(sk, "tree/sha256/beef", 1, 0)
	tassert(t, err == nil, "NewRecord err %v", err)
	tassert(t, net.Publish(ctx, rec2) == nil, "Publish failed")
	poller.Pause()
	poller.Sweep(ctx)
	mu.Lock()
	tassert(t, len(updates) == 1, "paused poller still swept: %v", updates)
	mu.Unlock()

	poller.Resume()
	poller.Sweep(ctx)
	mu.Lock()
	tassert(t, len(updates) == 2 && updates[1] == 1, "updates %v", updates)
	mu.Unlock()
}

func TestResolveTimeout(t *testing.T) {
	net := NewMemNet()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := net.Resolve(ctx, "anything")
	tassert(t, err == ErrResolutionTimeout, "expected ErrResolutionTimeout, got %v", err)

	_, err = net.Resolve(context.Background(), "anything")
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)
}
