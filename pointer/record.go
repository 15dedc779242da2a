/*

Package pointer implements the mutable name layer: a stable pointer
name mapped to a content id, versioned by a strictly increasing
sequence number and signed by the pointer's own keypair.  This is the
IPNS half of the IPFS/IPNS model; package blob is the other half.

Concurrency is optimistic.  Genesis is sequence 0, and every later
publish must present lastKnown+1; a
writer that loses the race gets StaleSequenceError carrying the
current remote sequence, re-resolves, merges, and retries at
remoteSeq+1.  The network never blocks a second writer -- the network
itself is the serialization point.

Resolution is eventually consistent, with latency on the order of tens
of seconds on a real network.  Callers must never treat Resolve as
synchronously consistent.

*/
package pointer

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/keys"
)

// DefaultTTL is how long a record's signature is valid before the
// holder (or its custodian) must renew it.
const DefaultTTL = 30 * 24 * time.Hour

// ErrNotFound means the name has never been published.
var ErrNotFound = errors.New("pointer not found")

// ErrResolutionTimeout means the network did not answer in time.
// Retryable.
var ErrResolutionTimeout = errors.New("resolution timed out")

// ErrBadSignature means a record failed verification and was
// discarded before use.
var ErrBadSignature = errors.New("bad pointer record signature")

// StaleSequenceError means a concurrent writer already used the
// presented sequence number.  Current is the sequence the network
// holds now; the remedy is to re-resolve, merge, and retry at
// Current+1 -- never to retry blindly with a fixed number.
type StaleSequenceError struct {
	Name    string
	Current uint64
}

func (e *StaleSequenceError) Error() string {
	return fmt.Sprintf("stale sequence for %s: current is %d", e.Name, e.Current)
}

// Record is one signed pointer record.
type Record struct {
	Name      string    `msgpack:"name"`
	CID       string    `msgpack:"cid"`
	Sequence  uint64    `msgpack:"seq"`
	Expires   time.Time `msgpack:"expires"`
	PublicKey []byte    `msgpack:"pub"`
	Signature []byte    `msgpack:"sig"`
}

// payload is the signed portion of a record.
type payload struct {
	Name     string    `msgpack:"name"`
	CID      string    `msgpack:"cid"`
	Sequence uint64    `msgpack:"seq"`
	Expires  time.Time `msgpack:"expires"`
}

func (rec *Record) signingBytes() (buf []byte, err error) {
	return msgpack.Marshal(&payload{
		Name:     rec.Name,
		CID:      rec.CID,
		Sequence: rec.Sequence,
		Expires:  rec.Expires,
	})
}

// NewRecord builds and signs a record at the given sequence number.
// The name is derived from the signing key; callers cannot publish
// under a name they don't hold the key for.
func NewRecord(sk *keys.SigningKey, cid string, seq uint64, ttl time.Duration) (rec *Record, err error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	rec = &Record{
		Name:      sk.PointerName(),
		CID:       cid,
		Sequence:  seq,
		Expires:   time.Now().UTC().Add(ttl),
		PublicKey: append([]byte(nil), sk.Public...),
	}
	buf, err := rec.signingBytes()
	if err != nil {
		return nil, err
	}
	rec.Signature = sk.Sign(buf)
	return
}

// Verify checks the record's signature and that its name matches its
// public key.  Every record must pass Verify before anything trusts
// its CID.
func (rec *Record) Verify() (err error) {
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if keys.PointerName(rec.PublicKey) != rec.Name {
		return ErrBadSignature
	}
	buf, err := rec.signingBytes()
	if err != nil {
		return ErrBadSignature
	}
	if !keys.Verify(rec.PublicKey, buf, rec.Signature) {
		return ErrBadSignature
	}
	return nil
}

// NearExpiry reports whether the record expires within window.
func (rec *Record) NearExpiry(window time.Duration) bool {
	return time.Now().UTC().Add(window).After(rec.Expires)
}

// Resign produces the renewal record: same CID, next sequence, fresh
// expiry.  Used by the key custodian while it transiently holds the
// signing key.
func (rec *Record) Resign(sk *keys.SigningKey, ttl time.Duration) (renewed *Record, err error) {
	if sk.PointerName() != rec.Name {
		return nil, keys.ErrInvalidKeyFormat
	}
	return NewRecord(sk, rec.CID, rec.Sequence+1, ttl)
}

// Marshal encodes the record for the wire or disk.
func (rec *Record) Marshal() ([]byte, error) {
	return msgpack.Marshal(rec)
}

// UnmarshalRecord decodes and verifies a record.
func UnmarshalRecord(buf []byte) (rec *Record, err error) {
	rec = &Record{}
	err = msgpack.Unmarshal(buf, rec)
	if err != nil {
		return nil, err
	}
	err = rec.Verify()
	if err != nil {
		return nil, err
	}
	return
}
