package codec

import (
	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/keys"
)

// Envelope carries a ciphertext together with the IV it was sealed
// under, so a record can live in the blob store as a single opaque
// byte string.
type Envelope struct {
	IV         []byte `msgpack:"iv"`
	Ciphertext []byte `msgpack:"ct"`
}

// SealEnvelope seals plain under key and returns the encoded
// envelope.
func SealEnvelope(plain []byte, key keys.ContentKey) (buf []byte, err error) {
	ciphertext, iv, err := Seal(plain, key)
	if err != nil {
		return
	}
	return msgpack.Marshal(&Envelope{IV: iv, Ciphertext: ciphertext})
}

// OpenEnvelope decodes and opens an envelope.  Failures are
// ErrAuthenticationFailed, same as Open.
func OpenEnvelope(buf []byte, key keys.ContentKey) (plain []byte, err error) {
	var env Envelope
	err = msgpack.Unmarshal(buf, &env)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return Open(env.Ciphertext, env.IV, key)
}

// EncodeFolderBlob seals a folder record into blob-store bytes.
func EncodeFolderBlob(meta *FolderMetadata, key keys.ContentKey) (buf []byte, err error) {
	if meta.Version == 0 {
		meta.Version = Current
	}
	plain, err := msgpack.Marshal(meta)
	if err != nil {
		return
	}
	return SealEnvelope(plain, key)
}

// DecodeFolderBlob opens blob-store bytes into a folder record,
// upgrading legacy schema shapes.
func DecodeFolderBlob(buf []byte, key keys.ContentKey) (meta *FolderMetadata, err error) {
	plain, err := OpenEnvelope(buf, key)
	if err != nil {
		return
	}
	return DecodeFolder(plain)
}

// EncodeFileBlob seals a file record into blob-store bytes.
func EncodeFileBlob(meta *FileMetadata, key keys.ContentKey) (buf []byte, err error) {
	if meta.Version == 0 {
		meta.Version = Current
	}
	plain, err := msgpack.Marshal(meta)
	if err != nil {
		return
	}
	return SealEnvelope(plain, key)
}

// DecodeFileBlob opens blob-store bytes into a file record.
func DecodeFileBlob(buf []byte, key keys.ContentKey) (meta *FileMetadata, err error) {
	plain, err := OpenEnvelope(buf, key)
	if err != nil {
		return
	}
	return DecodeFile(plain)
}
