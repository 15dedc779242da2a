package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"golang.org/x/crypto/nacl/box"
)

// key and envelope sizes, in bytes
const (
	ContentKeySize = 32
	PublicKeySize  = 32
	PrivateKeySize = 32
	nonceSize      = 24
	// a wrapped key is ephemeral pubkey || nonce || sealed box
	wrapOverhead = PublicKeySize + nonceSize + box.Overhead
)

// ErrInvalidKeyFormat means a public or private key had the wrong
// shape for the requested operation.
var ErrInvalidKeyFormat = errors.New("invalid key format")

// ErrDecryptionFailed covers both a wrong key and corrupted
// ciphertext.  The two cases are deliberately indistinguishable; don't
// add detail here.
var ErrDecryptionFailed = errors.New("decryption failed")

// ContentKey is a 256-bit symmetric key.  One exists per folder and
// per file.  It only ever leaves the process wrapped.
type ContentKey []byte

// GenerateContentKey draws a fresh random content key.
func GenerateContentKey() (key ContentKey, err error) {
	key = make(ContentKey, ContentKeySize)
	_, err = io.ReadFull(rand.Reader, key)
	if err != nil {
		return nil, err
	}
	return
}

// Zero wipes the key in place.  Callers are responsible for calling
// this on every exit path once the key is no longer needed.
func (key ContentKey) Zero() {
	Zero(key)
}

// Zero overwrites buf with zeros.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// Equal compares two keys in constant time.
func (key ContentKey) Equal(other ContentKey) bool {
	if len(key) != len(other) {
		return false
	}
	return subtle.ConstantTimeCompare(key, other) == 1
}

// Identity is a curve25519 box keypair.  The private half is supplied
// by the identity provider after authentication and lives only in
// process memory; we never derive or persist it here.
type Identity struct {
	Public  [PublicKeySize]byte
	private *[PrivateKeySize]byte
}

// NewIdentity wraps an externally-supplied keypair as an Identity.
func NewIdentity(pub, priv []byte) (id *Identity, err error) {
	if len(pub) != PublicKeySize {
		return nil, ErrInvalidKeyFormat
	}
	id = &Identity{}
	copy(id.Public[:], pub)
	if priv != nil {
		if len(priv) != PrivateKeySize {
			return nil, ErrInvalidKeyFormat
		}
		id.private = new([PrivateKeySize]byte)
		copy(id.private[:], priv)
	}
	return
}

// GenerateIdentity creates a fresh box keypair.  Production callers
// get their keypair from the identity provider; this exists for tests
// and for ephemeral wrap keys.
func GenerateIdentity() (id *Identity, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	id = &Identity{Public: *pub, private: priv}
	return
}

// CanUnwrap reports whether the private half is present.
func (id *Identity) CanUnwrap() bool {
	return id != nil && id.private != nil
}

// Zero wipes the private half.
func (id *Identity) Zero() {
	if id.private != nil {
		Zero(id.private[:])
		id.private = nil
	}
}

// Wrap seals key to a recipient public key.  The envelope is
// ephemeralPub || nonce || box, so anyone holding only the recipient's
// public key can produce it and only the matching private key can open
// it.  Fails ErrInvalidKeyFormat on a malformed public key.
func Wrap(key []byte, recipientPub []byte) (wrapped []byte, err error) {
	defer Return(&err)

	if len(recipientPub) != PublicKeySize {
		return nil, ErrInvalidKeyFormat
	}
	var pub [PublicKeySize]byte
	copy(pub[:], recipientPub)

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	Ck(err)
	defer Zero(ephPriv[:])

	var nonce [nonceSize]byte
	_, err = io.ReadFull(rand.Reader, nonce[:])
	Ck(err)

	wrapped = make([]byte, 0, len(key)+wrapOverhead)
	wrapped = append(wrapped, ephPub[:]...)
	wrapped = append(wrapped, nonce[:]...)
	wrapped = box.Seal(wrapped, key, &nonce, &pub, ephPriv)
	log.Debugf("wrapped %d-byte key to %x", len(key), recipientPub[:4])
	return
}

// Unwrap opens a wrapped key with the identity's private half.  Any
// failure -- wrong key, truncated envelope, flipped bit -- surfaces as
// the same ErrDecryptionFailed.
func (id *Identity) Unwrap(wrapped []byte) (key []byte, err error) {
	if !id.CanUnwrap() {
		return nil, ErrDecryptionFailed
	}
	if len(wrapped) < wrapOverhead {
		return nil, ErrDecryptionFailed
	}
	var ephPub [PublicKeySize]byte
	copy(ephPub[:], wrapped[:PublicKeySize])
	var nonce [nonceSize]byte
	copy(nonce[:], wrapped[PublicKeySize:PublicKeySize+nonceSize])

	key, ok := box.Open(nil, wrapped[PublicKeySize+nonceSize:], &nonce, &ephPub, id.private)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return
}

// SigningKey is an ed25519 keypair used to sign the records of one
// mutable pointer.
type SigningKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKey creates a fresh pointer signing keypair.
func GenerateSigningKey() (sk *SigningKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	sk = &SigningKey{Public: pub, Private: priv}
	return
}

// SigningKeyFromPrivate reconstructs a keypair from its private half,
// e.g. after unwrapping.  Fails ErrInvalidKeyFormat on a wrong-size
// key.
func SigningKeyFromPrivate(priv []byte) (sk *SigningKey, err error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyFormat
	}
	private := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(private, priv)
	sk = &SigningKey{
		Public:  private.Public().(ed25519.PublicKey),
		Private: private,
	}
	return
}

// PointerName derives the stable pointer name from the signing public
// key, the way IPNS names a record after its key.
func (sk *SigningKey) PointerName() string {
	return PointerName(sk.Public)
}

// PointerName returns hex(sha256(pub)).
func PointerName(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Sign signs buf with the pointer signing key.
func (sk *SigningKey) Sign(buf []byte) []byte {
	return ed25519.Sign(sk.Private, buf)
}

// Verify checks sig over buf against pub.
func Verify(pub ed25519.PublicKey, buf, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, buf, sig)
}

// Zero wipes the private half of the signing key.
func (sk *SigningKey) Zero() {
	if sk == nil {
		return
	}
	Zero(sk.Private)
	sk.Private = nil
}
