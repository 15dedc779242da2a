package share

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	bolt "go.etcd.io/bbolt"

	"github.com/t7a/vaultbase/codec"
)

var shareBucket = []byte("shares")

// ErrUnknownShare means no grant with that id exists.
var ErrUnknownShare = errors.New("unknown share")

// DB is the local grant ledger.  It holds share records only: wrapped
// keys (ciphertext) and pointer names, never a bare content key.
type DB struct {
	db *bolt.DB
}

// OpenDB opens (creating if needed) the grant ledger at path.
func OpenDB(path string) (sdb *DB, err error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(shareBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (sdb *DB) Close() error {
	return sdb.db.Close()
}

// Put stores or replaces one grant.
func (sdb *DB) Put(rec *codec.ShareRecord) (err error) {
	buf, err := msgpack.Marshal(rec)
	if err != nil {
		return
	}
	return sdb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shareBucket).Put([]byte(rec.ID), buf)
	})
}

// Get fetches one grant by id.
func (sdb *DB) Get(id string) (rec *codec.ShareRecord, err error) {
	err = sdb.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(shareBucket).Get([]byte(id))
		if v == nil {
			return ErrUnknownShare
		}
		rec = &codec.ShareRecord{}
		return msgpack.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return
}

// List returns every grant, active or revoked.
func (sdb *DB) List() (recs []*codec.ShareRecord, err error) {
	err = sdb.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(shareBucket).ForEach(func(k, v []byte) error {
			rec := &codec.ShareRecord{}
			if err := msgpack.Unmarshal(v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return
}

// ActiveForItem returns every active grant on one pointer name.
func (sdb *DB) ActiveForItem(pointerName string) (recs []*codec.ShareRecord, err error) {
	all, err := sdb.List()
	if err != nil {
		return
	}
	for _, rec := range all {
		if rec.PointerName == pointerName && rec.Status == codec.ShareActive {
			recs = append(recs, rec)
		}
	}
	return
}
