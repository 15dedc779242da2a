package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack"

	"github.com/t7a/vaultbase/keys"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mkkey(t *testing.T) keys.ContentKey {
	t.Helper()
	key, err := keys.GenerateContentKey()
	tassert(t, err == nil, "GenerateContentKey err %v", err)
	return key
}

func TestFolderRoundTrip(t *testing.T) {
	key := mkkey(t)

	meta := &FolderMetadata{
		Children: []Child{
			{Kind: KindFolder, ID: "id-docs", Name: "Docs", PointerName: "ptr-docs"},
			{Kind: KindFile, ID: "id-a", Name: "a.txt", PointerName: "ptr-a"},
		},
	}

	ciphertext, iv, err := EncryptFolder(meta, key)
	tassert(t, err == nil, "EncryptFolder err %v", err)
	tassert(t, len(iv) == IVSize, "iv len %v", len(iv))

	got, err := DecryptFolder(ciphertext, iv, key)
	tassert(t, err == nil, "DecryptFolder err %v", err)
	tassert(t, got.Version == Current, "version %v", got.Version)
	tassert(t, len(got.Children) == 2, "children len %v", len(got.Children))
	tassert(t, got.Children[0].Name == "Docs", "child 0 %v", got.Children[0])
	tassert(t, got.Children[1].Kind == KindFile, "child 1 kind %v", got.Children[1].Kind)
}

func TestFileRoundTrip(t *testing.T) {
	key := mkkey(t)

	now := time.Now().UTC().Truncate(time.Second)
	meta := &FileMetadata{
		CID:            "sha256/deadbeef",
		WrappedKey:     []byte("wrapped"),
		IV:             []byte("iv"),
		EncryptionMode: ModeAESGCM,
		Size:           10,
		Mime:           "text/plain",
		Created:        now,
		Modified:       now,
	}

	ciphertext, iv, err := EncryptFile(meta, key)
	tassert(t, err == nil, "EncryptFile err %v", err)

	got, err := DecryptFile(ciphertext, iv, key)
	tassert(t, err == nil, "DecryptFile err %v", err)
	tassert(t, got.CID == meta.CID, "cid %v", got.CID)
	tassert(t, got.Size == 10, "size %v", got.Size)
	tassert(t, len(got.Versions) == 0, "versions %v", got.Versions)
}

// A legacy two-list folder record must come back as an ordered
// Children list without any bulk rewrite.
func TestFolderV1Upgrade(t *testing.T) {
	key := mkkey(t)

	old := folderMetadataV1{
		Version: SchemaV1,
		Folders: []Child{{ID: "id-docs", Name: "Docs", PointerName: "ptr-docs"}},
		Files:   []Child{{ID: "id-a", Name: "a.txt", PointerName: "ptr-a"}},
	}
	plain, err := msgpack.Marshal(&old)
	tassert(t, err == nil, "Marshal err %v", err)

	ciphertext, iv, err := Seal(plain, key)
	tassert(t, err == nil, "Seal err %v", err)

	got, err := DecryptFolder(ciphertext, iv, key)
	tassert(t, err == nil, "DecryptFolder err %v", err)
	tassert(t, got.Version == Current, "upgraded version %v", got.Version)
	tassert(t, len(got.Children) == 2, "children len %v", len(got.Children))
	tassert(t, got.Children[0].Kind == KindFolder, "child 0 kind %v", got.Children[0].Kind)
	tassert(t, got.Children[0].Name == "Docs", "child 0 name %v", got.Children[0].Name)
	tassert(t, got.Children[1].Kind == KindFile, "child 1 kind %v", got.Children[1].Kind)
}

func TestFileV1Upgrade(t *testing.T) {
	key := mkkey(t)

	// V1 file records predate the EncryptionMode field
	old := FileMetadata{Version: SchemaV1, CID: "sha256/cafe", Size: 3}
	plain, err := msgpack.Marshal(&old)
	tassert(t, err == nil, "Marshal err %v", err)

	ciphertext, iv, err := Seal(plain, key)
	tassert(t, err == nil, "Seal err %v", err)

	got, err := DecryptFile(ciphertext, iv, key)
	tassert(t, err == nil, "DecryptFile err %v", err)
	tassert(t, got.Version == Current, "version %v", got.Version)
	tassert(t, got.EncryptionMode == ModeAESGCM, "mode %v", got.EncryptionMode)
}

// Two seals of the same plaintext under the same key must never share
// an IV.
func TestIVFreshness(t *testing.T) {
	key := mkkey(t)
	plain := []byte("same plaintext every time")

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		_, iv, err := Seal(plain, key)
		tassert(t, err == nil, "Seal err %v", err)
		tassert(t, !seen[string(iv)], "IV reused on iteration %d", i)
		seen[string(iv)] = true
	}
}

func TestOpenFailures(t *testing.T) {
	key := mkkey(t)
	ciphertext, iv, err := Seal([]byte("secret"), key)
	tassert(t, err == nil, "Seal err %v", err)

	// wrong key
	other := mkkey(t)
	plain, err := Open(ciphertext, iv, other)
	tassert(t, err == ErrAuthenticationFailed, "wrong key: got %v", err)
	tassert(t, plain == nil, "partial plaintext escaped")

	// corrupted ciphertext
	corrupt := make([]byte, len(ciphertext))
	copy(corrupt, ciphertext)
	corrupt[0] ^= 0x01
	plain, err = Open(corrupt, iv, key)
	tassert(t, err == ErrAuthenticationFailed, "corrupt: got %v", err)
	tassert(t, plain == nil, "partial plaintext escaped")

	// tampered IV
	badiv := make([]byte, len(iv))
	copy(badiv, iv)
	badiv[0] ^= 0x01
	plain, err = Open(ciphertext, badiv, key)
	tassert(t, err == ErrAuthenticationFailed, "bad iv: got %v", err)
	tassert(t, plain == nil, "partial plaintext escaped")

	// ciphertext bytes must not contain the plaintext
	tassert(t, !bytes.Contains(ciphertext, []byte("secret")), "plaintext visible in ciphertext")
}
