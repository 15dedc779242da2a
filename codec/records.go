package codec

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack"
)

// metadata schema versions
const (
	SchemaV1 = 1
	SchemaV2 = 2
	Current  = SchemaV2
)

// child kinds
const (
	KindFolder = "folder"
	KindFile   = "file"
)

// EncryptionMode records the cipher a metadata or content record was
// sealed with.  There is only one mode today; the field exists so old
// records stay readable if that ever changes.
const ModeAESGCM = "aes-256-gcm"

// Child is one entry in a folder: either a subfolder or a pointer to
// an independent file-metadata record.  Kind is the tag; every
// consumer must switch on it exhaustively.  Keeping files behind their
// own pointer keeps a folder republish O(1) no matter how large or
// busy the file is.
// SealedKey and SealedSigner are envelopes sealed with the parent
// folder's content key, so anyone holding the parent key can descend
// and nobody else learns anything.
type Child struct {
	Kind         string `msgpack:"kind"`
	ID           string `msgpack:"id"`
	Name         string `msgpack:"name"`
	PointerName  string `msgpack:"ptr"`
	SealedKey    []byte `msgpack:"skey"`
	SealedSigner []byte `msgpack:"ssigner"`
}

// FolderMetadata is the plaintext shape of one folder record.
// Children is ordered; order is user-visible.
type FolderMetadata struct {
	Version  int     `msgpack:"version"`
	Children []Child `msgpack:"children"`
}

// VersionEntry is one retained prior content state of a file.
type VersionEntry struct {
	CID        string    `msgpack:"cid"`
	WrappedKey []byte    `msgpack:"wkey"`
	IV         []byte    `msgpack:"iv"`
	Size       int64     `msgpack:"size"`
	SavedAt    time.Time `msgpack:"saved"`
}

// FileMetadata is the plaintext shape of one file record.  Versions is
// most-recent-first and capped; the version chain manager owns the
// cap.
type FileMetadata struct {
	Version        int            `msgpack:"version"`
	CID            string         `msgpack:"cid"`
	WrappedKey     []byte         `msgpack:"wkey"`
	IV             []byte         `msgpack:"iv"`
	EncryptionMode string         `msgpack:"mode"`
	Size           int64          `msgpack:"size"`
	Mime           string         `msgpack:"mime"`
	Created        time.Time      `msgpack:"created"`
	Modified       time.Time      `msgpack:"modified"`
	Versions       []VersionEntry `msgpack:"versions"`
}

// share record status values
const (
	ShareActive  = "active"
	ShareRevoked = "revoked"
)

// share permissions
const (
	PermRead = "read"
)

// ShareRecord grants one recipient access to one item.  WrappedKey is
// the item's content key wrapped to the recipient; it travels out of
// band, never over the pointer network.
type ShareRecord struct {
	ID          string    `msgpack:"id"`
	Owner       []byte    `msgpack:"owner"`
	Recipient   []byte    `msgpack:"recipient"`
	PointerName string    `msgpack:"ptr"`
	ItemType    string    `msgpack:"type"` // KindFolder or KindFile
	WrappedKey  []byte    `msgpack:"wkey"`
	Permission  string    `msgpack:"perm"`
	Status      string    `msgpack:"status"`
	Created     time.Time `msgpack:"created"`
	RevokedAt   time.Time `msgpack:"revoked,omitempty"`
}

// folderMetadataV1 is the original folder shape: subfolders and files
// in two separate lists instead of one ordered Children list.  Still
// on disk in old accounts; upgraded lazily on read, never rewritten in
// bulk.
type folderMetadataV1 struct {
	Version int     `msgpack:"version"`
	Folders []Child `msgpack:"folders"`
	Files   []Child `msgpack:"files"`
}

// schemaProbe pulls just the version field out of a record so we know
// which shape to decode.
type schemaProbe struct {
	Version int `msgpack:"version"`
}

// DecodeFolder unmarshals a plaintext folder record, upgrading legacy
// shapes to the current one as it reads.
func DecodeFolder(plain []byte) (meta *FolderMetadata, err error) {
	var probe schemaProbe
	err = msgpack.Unmarshal(plain, &probe)
	if err != nil {
		return
	}

	switch probe.Version {
	case SchemaV1:
		var old folderMetadataV1
		err = msgpack.Unmarshal(plain, &old)
		if err != nil {
			return
		}
		return upgradeFolderV1(&old), nil
	case SchemaV2:
		meta = &FolderMetadata{}
		err = msgpack.Unmarshal(plain, meta)
		if err != nil {
			return nil, err
		}
		return
	default:
		return nil, fmt.Errorf("unknown folder schema version: %d", probe.Version)
	}
}

// upgradeFolderV1 converts the two-list shape to the ordered Children
// list, folders first, preserving order within each list.
func upgradeFolderV1(old *folderMetadataV1) (meta *FolderMetadata) {
	meta = &FolderMetadata{Version: Current}
	for _, c := range old.Folders {
		c.Kind = KindFolder
		meta.Children = append(meta.Children, c)
	}
	for _, c := range old.Files {
		c.Kind = KindFile
		meta.Children = append(meta.Children, c)
	}
	return
}

// DecodeFile unmarshals a plaintext file record.  V1 file records had
// no EncryptionMode field; fill it in on read.
func DecodeFile(plain []byte) (meta *FileMetadata, err error) {
	meta = &FileMetadata{}
	err = msgpack.Unmarshal(plain, meta)
	if err != nil {
		return nil, err
	}
	if meta.Version == SchemaV1 {
		if meta.EncryptionMode == "" {
			meta.EncryptionMode = ModeAESGCM
		}
		meta.Version = Current
	}
	return
}
