/*

Package codec seals and opens the metadata records of the encrypted
namespace.  Records are msgpack on the inside and AES-256-GCM on the
outside; the blob store and pointer network only ever see the outside.

Every encrypt call draws a fresh random IV.  Reusing an IV under the
same key breaks GCM confidentiality outright, so IV freshness is a
tested property, not a convention.

*/
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/keys"
)

// IVSize is the GCM nonce size in bytes.
const IVSize = 12

// ErrAuthenticationFailed is returned when a record fails to open.
// It is the same value as keys.ErrDecryptionFailed: a caller must not
// be able to tell a wrong key from corrupted ciphertext.
var ErrAuthenticationFailed = keys.ErrDecryptionFailed

// Seal encrypts plain under key with a fresh random IV and returns
// the ciphertext and the IV it drew.
func Seal(plain []byte, key keys.ContentKey) (ciphertext, iv []byte, err error) {
	defer Return(&err)

	if len(key) != keys.ContentKeySize {
		return nil, nil, keys.ErrInvalidKeyFormat
	}

	block, err := aes.NewCipher(key)
	Ck(err)
	aead, err := cipher.NewGCM(block)
	Ck(err)

	iv = make([]byte, IVSize)
	_, err = io.ReadFull(rand.Reader, iv)
	Ck(err)

	ciphertext = aead.Seal(nil, iv, plain, nil)
	log.Debugf("sealed %d plaintext bytes into %d", len(plain), len(ciphertext))
	return
}

// Open decrypts ciphertext under key and iv.  Any failure is
// ErrAuthenticationFailed; no partial plaintext ever escapes.
func Open(ciphertext, iv []byte, key keys.ContentKey) (plain []byte, err error) {
	if len(key) != keys.ContentKeySize {
		return nil, ErrAuthenticationFailed
	}
	if len(iv) != IVSize {
		return nil, ErrAuthenticationFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	plain, err = aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return
}

// EncryptFolder seals a folder record.
func EncryptFolder(meta *FolderMetadata, key keys.ContentKey) (ciphertext, iv []byte, err error) {
	defer Return(&err)
	if meta.Version == 0 {
		meta.Version = Current
	}
	plain, err := msgpack.Marshal(meta)
	Ck(err)
	return Seal(plain, key)
}

// DecryptFolder opens and decodes a folder record, lazily upgrading
// legacy schema shapes.
func DecryptFolder(ciphertext, iv []byte, key keys.ContentKey) (meta *FolderMetadata, err error) {
	plain, err := Open(ciphertext, iv, key)
	if err != nil {
		return
	}
	return DecodeFolder(plain)
}

// EncryptFile seals a file record.
func EncryptFile(meta *FileMetadata, key keys.ContentKey) (ciphertext, iv []byte, err error) {
	defer Return(&err)
	if meta.Version == 0 {
		meta.Version = Current
	}
	plain, err := msgpack.Marshal(meta)
	Ck(err)
	return Seal(plain, key)
}

// DecryptFile opens and decodes a file record.
func DecryptFile(ciphertext, iv []byte, key keys.ContentKey) (meta *FileMetadata, err error) {
	plain, err := Open(ciphertext, iv, key)
	if err != nil {
		return
	}
	return DecodeFile(plain)
}
