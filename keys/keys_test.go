package keys

import (
	"bytes"
	"testing"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestWrapUnwrap(t *testing.T) {
	key, err := GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)
	tassert(t, len(key) == ContentKeySize, "key len %v", len(key))

	recipient, err := GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)

	wrapped, err := Wrap(key, recipient.Public[:])
	tassert(t, err == nil, "Wrap err %v", err)
	tassert(t, !bytes.Contains(wrapped, key), "wrapped envelope leaks key")

	got, err := recipient.Unwrap(wrapped)
	tassert(t, err == nil, "Unwrap err %v", err)
	tassert(t, key.Equal(got), "unwrap round trip mismatch")
}

func TestWrapMalformedPubkey(t *testing.T) {
	key, err := GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)

	_, err = Wrap(key, []byte("short"))
	tassert(t, err == ErrInvalidKeyFormat, "expected ErrInvalidKeyFormat, got %v", err)
}

// Wrong key and corrupted data must fail identically.
func TestUnwrapFailureIndistinguishable(t *testing.T) {
	key, err := GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)

	alice, err := GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	mallory, err := GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)

	wrapped, err := Wrap(key, alice.Public[:])
	tassert(t, err == nil, "Wrap err %v", err)

	// wrong key
	_, err = mallory.Unwrap(wrapped)
	tassert(t, err == ErrDecryptionFailed, "wrong key: expected ErrDecryptionFailed, got %v", err)

	// corrupted data
	corrupt := make([]byte, len(wrapped))
	copy(corrupt, wrapped)
	corrupt[len(corrupt)-1] ^= 0x01
	_, err = alice.Unwrap(corrupt)
	tassert(t, err == ErrDecryptionFailed, "corrupt: expected ErrDecryptionFailed, got %v", err)

	// truncated envelope
	_, err = alice.Unwrap(wrapped[:10])
	tassert(t, err == ErrDecryptionFailed, "truncated: expected ErrDecryptionFailed, got %v", err)
}

func TestSigningKey(t *testing.T) {
	sk, err := GenerateSigningKey()
	tassert(t, err == nil, "GenerateSigningKey err %v", err)

	name := sk.PointerName()
	tassert(t, len(name) == 64, "pointer name len %v", len(name))
	tassert(t, name == PointerName(sk.Public), "pointer name mismatch")

	msg := []byte("somerecord")
	sig := sk.Sign(msg)
	tassert(t, Verify(sk.Public, msg, sig), "signature should verify")
	tassert(t, !Verify(sk.Public, []byte("otherrecord"), sig), "signature over other data should fail")

	// round trip through the private half, as after unwrapping
	sk2, err := SigningKeyFromPrivate(sk.Private)
	tassert(t, err == nil, "SigningKeyFromPrivate err %v", err)
	tassert(t, sk2.PointerName() == name, "rebuilt keypair name mismatch")

	_, err = SigningKeyFromPrivate([]byte("short"))
	tassert(t, err == ErrInvalidKeyFormat, "expected ErrInvalidKeyFormat, got %v", err)
}

func TestZero(t *testing.T) {
	key, err := GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)
	key.Zero()
	for i, b := range key {
		tassert(t, b == 0, "byte %d not zeroed", i)
	}

	id, err := GenerateIdentity()
	tassert(t, err == nil, "GenerateIdentity err %v", err)
	id.Zero()
	tassert(t, !id.CanUnwrap(), "identity should lose private half")
}
