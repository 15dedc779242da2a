/*

Package blob is a content-addressed immutable store.  Every object is
a write-once file named by the hash of its content; the store never
sees anything but ciphertext, so it has nothing worth reading.

Vocabulary:

- block: one chunk of (encrypted) data; deduplication atom
- tree: flat manifest listing the block canpaths of one upload
- cid: canonical path of a block or tree, e.g. tree/sha256/<hash>;
  this is the content id recorded in file metadata
- pin: a reference keeping a cid alive; blocks with no pins left are
  removed

*/
package blob

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// object classes
const (
	ClassBlock = "block"
	ClassTree  = "tree"
)

// ErrNotFound means no object exists at the given cid.
var ErrNotFound = errors.New("not found")

// Store is a local content-addressed store.  Dir is the base
// directory.  Depth is the number of subdirectory levels in the block
// and tree dirs; three-character hexadecimal names give 4096 subdirs
// per parent, the sweet spot between git's 256 and ext4-hostile
// 65536.
type Store struct {
	Dir     string          // base of tree
	Depth   int             // number of subdir levels
	Poly    resticRabin.Pol // rabin polynomial for chunking
	MinSize uint            // minimum chunk size
	MaxSize uint            // maximum chunk size

	pins *pinLedger
}

type NotStoreError struct {
	Dir string
}

func (e *NotStoreError) Error() string {
	return fmt.Sprintf("not a blob store: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("already exists: %s", e.Dir)
}

// Create initializes a store directory and its contents.
func (st Store) Create() (out *Store, err error) {
	defer Return(&err)

	dir := st.Dir

	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if st.Depth < 1 {
		st.Depth = 2
	}

	err = mkdir(dir)
	Ck(err)
	err = mkdir(filepath.Join(dir, ClassBlock))
	Ck(err)
	err = mkdir(filepath.Join(dir, ClassTree))
	Ck(err)

	if st.Poly == 0 {
		st.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}

	buf, err := json.Marshal(st)
	Ck(err)
	err = ioutil.WriteFile(filepath.Join(dir, "config.json"), buf, 0644)
	Ck(err)

	return Open(dir)
}

// Open loads an existing store from dir.
func Open(dir string) (st *Store, err error) {
	dir = filepath.Clean(dir)

	if !canstat(dir) {
		return nil, fmt.Errorf("cannot open: %s", dir)
	}

	buf, err := ioutil.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotStoreError{Dir: dir}
	}
	st = &Store{}
	err = json.Unmarshal(buf, st)
	if err != nil {
		return
	}
	st.Dir = dir

	st.pins, err = openPinLedger(filepath.Join(dir, "pins.db"))
	if err != nil {
		return nil, err
	}
	return
}

// Close releases the pin ledger.
func (st *Store) Close() error {
	if st.pins == nil {
		return nil
	}
	return st.pins.Close()
}

// Put stores buf as a single block and returns its cid.
func (st *Store) Put(buf []byte) (cid string, err error) {
	defer Return(&err)

	Assert(st != nil, "store is nil")

	file, err := CreateWORM(st, ClassBlock, "sha256")
	Ck(err)
	n, err := file.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = file.Close()
	Ck(err)
	cid = file.Path.Canon
	return
}

// PutStream chunks rd with the rabin chunker, stores each chunk as a
// block, and stores a tree manifest listing the blocks.  Returns the
// manifest cid and the total byte count.
func (st *Store) PutStream(rd io.Reader) (cid string, size int64, err error) {
	defer Return(&err)

	chunker, err := Rabin{Poly: st.Poly, MinSize: st.MinSize, MaxSize: st.MaxSize}.Init()
	Ck(err)
	chunker.Start(rd)

	var blocks []string
	buf := make([]byte, chunker.MaxSize+1)
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
		blockCid, err := st.Put(chunk.Data)
		if err != nil {
			return "", 0, err
		}
		log.Debugf("chunk %s len %d", blockCid, chunk.Length)
		blocks = append(blocks, blockCid)
		size += int64(chunk.Length)
	}

	cid, err = st.putTree(blocks)
	Ck(err)
	return
}

// putTree stores a flat manifest of block canpaths, one per line.
func (st *Store) putTree(blocks []string) (cid string, err error) {
	defer Return(&err)

	file, err := CreateWORM(st, ClassTree, "sha256")
	Ck(err)
	var txt string
	for _, b := range blocks {
		txt += strings.TrimSpace(b) + "\n"
	}
	n, err := file.Write([]byte(txt))
	Ck(err)
	Assert(n == len(txt), "short write")
	err = file.Close()
	Ck(err)
	cid = file.Path.Canon
	return
}

// treeBlocks loads a manifest and returns its block cids in order.
func (st *Store) treeBlocks(path *Path) (blocks []string, err error) {
	defer Return(&err)

	file, err := OpenWORM(st, path)
	if err != nil {
		return
	}
	defer file.Close()
	buf, err := ioutil.ReadAll(file)
	Ck(err)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		blocks = append(blocks, line)
	}
	return
}

// Get returns the full content at cid: the block itself, or for a
// tree, its blocks concatenated in order.
func (st *Store) Get(cid string) (buf []byte, err error) {
	rd, err := st.GetReader(cid)
	if err != nil {
		return
	}
	defer rd.Close()
	return ioutil.ReadAll(rd)
}

// GetReader returns a reader over the content at cid.
func (st *Store) GetReader(cid string) (rd io.ReadCloser, err error) {
	path, err := Path{}.New(st, cid)
	if err != nil {
		return
	}
	switch path.Class {
	case ClassBlock:
		return OpenWORM(st, path)
	case ClassTree:
		blocks, err := st.treeBlocks(path)
		if err != nil {
			return nil, err
		}
		return &treeReader{st: st, blocks: blocks}, nil
	default:
		return nil, fmt.Errorf("unhandled class %s", path.Class)
	}
}

// Size returns the body size of the content at cid.
func (st *Store) Size(cid string) (n int64, err error) {
	defer Return(&err)
	path, err := Path{}.New(st, cid)
	Ck(err)
	switch path.Class {
	case ClassBlock:
		file, err := OpenWORM(st, path)
		if err != nil {
			return 0, err
		}
		defer file.Close()
		return file.Size()
	case ClassTree:
		blocks, err := st.treeBlocks(path)
		if err != nil {
			return 0, err
		}
		for _, b := range blocks {
			size, err := st.Size(b)
			if err != nil {
				return 0, err
			}
			n += size
		}
		return n, nil
	}
	return 0, fmt.Errorf("unhandled class %s", path.Class)
}

// treeReader streams a manifest's blocks back to back.
type treeReader struct {
	st      *Store
	blocks  []string
	current io.ReadCloser
}

func (tr *treeReader) Read(buf []byte) (n int, err error) {
	for {
		if tr.current == nil {
			if len(tr.blocks) == 0 {
				return 0, io.EOF
			}
			tr.current, err = tr.st.GetReader(tr.blocks[0])
			if err != nil {
				return 0, err
			}
			tr.blocks = tr.blocks[1:]
		}
		n, err = tr.current.Read(buf)
		if errors.Cause(err) == io.EOF {
			tr.current.Close()
			tr.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return
	}
}

func (tr *treeReader) Close() error {
	if tr.current != nil {
		return tr.current.Close()
	}
	return nil
}

// Verify re-hashes the content at cid and compares with its address.
func (st *Store) Verify(cid string) (ok bool, err error) {
	defer Return(&err)
	path, err := Path{}.New(st, cid)
	Ck(err)
	file, err := OpenWORM(st, path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	content, err := ioutil.ReadAll(file)
	Ck(err)
	content = append([]byte(path.header()), content...)
	binhash, err := Hash(path.Algo, content)
	Ck(err)
	return fmt.Sprintf("%x", binhash) == path.Hash, nil
}

// Hash hashes buf with the named algorithm.
func Hash(algo string, buf []byte) (binhash []byte, err error) {
	h, err := newHash(algo)
	if err != nil {
		return
	}
	h.Write(buf)
	return h.Sum(nil), nil
}

func (st *Store) tmpFile() (fh *os.File, err error) {
	return ioutil.TempFile(st.Dir, "*")
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.Mkdir(dir, 0755)
		if err != nil {
			return err
		}
	}
	return
}
