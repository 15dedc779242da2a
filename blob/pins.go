package blob

import (
	"encoding/binary"
	"os"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var pinBucket = []byte("pins")

// pinLedger tracks reference counts per cid.  Content with no pins
// left is removed from disk.  The ledger is local bookkeeping only; it
// holds cids, never keys or plaintext.
type pinLedger struct {
	db *bolt.DB
}

func openPinLedger(path string) (pl *pinLedger, err error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pinBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &pinLedger{db: db}, nil
}

func (pl *pinLedger) Close() error {
	return pl.db.Close()
}

func (pl *pinLedger) incr(cid string, delta int64) (count int64, err error) {
	err = pl.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pinBucket)
		key := []byte(cid)
		if v := b.Get(key); v != nil {
			count = int64(binary.BigEndian.Uint64(v))
		}
		count += delta
		if count <= 0 {
			count = 0
			return b.Delete(key)
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(count))
		return b.Put(key, v[:])
	})
	return
}

func (pl *pinLedger) count(cid string) (count int64, err error) {
	err = pl.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(pinBucket).Get([]byte(cid)); v != nil {
			count = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return
}

// Pin adds a reference to cid.  Pinning a tree pins its blocks too,
// so deduplicated blocks shared between versions survive until the
// last referencing version is gone.
func (st *Store) Pin(cid string) (err error) {
	_, err = st.pins.incr(cid, 1)
	if err != nil {
		return
	}
	path, err := Path{}.New(st, cid)
	if err != nil {
		return
	}
	if path.Class == ClassTree {
		blocks, err := st.treeBlocks(path)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := st.Pin(b); err != nil {
				return err
			}
		}
	}
	return
}

// Unpin drops a reference to cid and removes the content once no
// references remain.  Unpin is best effort: failures are logged, not
// propagated, and never retried synchronously.
func (st *Store) Unpin(cid string) {
	path, err := Path{}.New(st, cid)
	if err != nil {
		log.Warnf("unpin %s: %v", cid, err)
		return
	}
	if path.Class == ClassTree {
		blocks, err := st.treeBlocks(path)
		if err != nil {
			log.Warnf("unpin %s: %v", cid, err)
		} else {
			for _, b := range blocks {
				st.Unpin(b)
			}
		}
	}
	count, err := st.pins.incr(cid, -1)
	if err != nil {
		log.Warnf("unpin %s: %v", cid, err)
		return
	}
	if count == 0 {
		err = os.Remove(path.Abs)
		if err != nil && !os.IsNotExist(err) {
			log.Warnf("unpin %s: %v", cid, err)
		}
		log.Debugf("unpinned and removed %s", cid)
	}
}

// Pinned reports the current reference count for cid.
func (st *Store) Pinned(cid string) (count int64, err error) {
	return st.pins.count(cid)
}
