package blob

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// file modes
const (
	modeRead  = 0444
	modeWrite = 0644
)

// WORM is a write-once read-many file.  Data written to it feeds the
// hash as it goes; Close renames the temp file into the slot named by
// the finished hash.  After that the content is immutable.
type WORM struct {
	Store *Store
	*Path
	writable bool
	fh       *os.File
	hash     hash.Hash
}

// CreateWORM starts a new writable object of the given class.  The
// path is unknown until Close, when the hash is complete.
func CreateWORM(st *Store, class, algo string) (file *WORM, err error) {
	file = &WORM{Store: st, writable: true}
	file.Path = &Path{Class: class, Algo: algo}
	file.hash, err = newHash(algo)
	if err != nil {
		return nil, err
	}
	file.fh, err = st.tmpFile()
	if err != nil {
		return nil, err
	}
	// write file header and fold it into the hash so we never act as
	// a hash oracle for raw caller data
	header := []byte(file.Path.header())
	n, err := file.fh.Write(header)
	if err != nil {
		return nil, err
	}
	Assert(n == len(header))
	n, err = file.hash.Write(header)
	if err != nil {
		return nil, err
	}
	Assert(n == len(header))
	return
}

// OpenWORM opens an existing object read-only and strips the header.
func OpenWORM(st *Store, path *Path) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Store: st, Path: path}
	ErrnoIf(len(path.Abs) == 0, syscall.EINVAL, "empty path")
	if !exists(path.Abs) {
		return nil, ErrNotFound
	}
	file.fh, err = os.Open(path.Abs)
	Ck(err)
	header := path.header()
	buf := make([]byte, len(header))
	n, err := file.fh.Read(buf)
	Ck(err)
	if n != len(header) || string(buf) != header {
		file.fh.Close()
		return nil, fmt.Errorf("malformed header: %q file: %s", string(buf), path.Abs)
	}
	return
}

// Write appends data, feeding the hash.  Supports io.Writer.
func (file *WORM) Write(data []byte) (n int, err error) {
	if !file.writable {
		return 0, fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
	}
	n, err = file.hash.Write(data)
	if err != nil {
		return
	}
	n, err = file.fh.Write(data)
	return
}

// Read supports io.Reader; the header is invisible to callers.
func (file *WORM) Read(buf []byte) (n int, err error) {
	return file.fh.Read(buf)
}

// Size returns the body size, header excluded.
func (file *WORM) Size() (n int64, err error) {
	info, err := os.Stat(file.Path.Abs)
	if err != nil {
		return
	}
	n = info.Size() - int64(len(file.Path.header()))
	return
}

// Close finishes the hash and, for a writable file, renames the temp
// file into its content-addressed slot.
func (file *WORM) Close() (err error) {
	defer Return(&err)
	if file.fh == nil {
		return
	}
	if !file.writable {
		// readonly, no err check needed
		file.fh.Close()
		file.fh = nil
		return
	}

	err = file.fh.Close()
	Ck(err)

	binhash := file.hash.Sum(nil)
	hexhash := fmt.Sprintf("%x", binhash)

	Assert(file.Path.Class != "")
	Assert(file.Path.Algo != "")
	canpath := fmt.Sprintf("%s/%s/%s", file.Path.Class, file.Path.Algo, hexhash)
	path, err := Path{}.New(file.Store, canpath)
	Ck(err)

	dir, _ := filepath.Split(path.Abs)
	err = os.MkdirAll(dir, 0755)
	Ck(err)

	err = os.Rename(file.fh.Name(), path.Abs)
	Ck(err)
	err = os.Chmod(path.Abs, modeRead)
	Ck(err)

	file.Path = path
	file.writable = false
	log.Debugf("worm closed as %s", path.Canon)
	file.fh = nil
	return
}

func newHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
	}
}

func exists(abspath string) bool {
	_, err := os.Stat(abspath)
	return err == nil
}
