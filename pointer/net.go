package pointer

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Network is the pointer network as this engine sees it.  Publish is
// accepted or conflicted; there is no lock to take.  Resolve is
// idempotent and eventually consistent.
type Network interface {
	Publish(ctx context.Context, rec *Record) error
	Resolve(ctx context.Context, name string) (*Record, error)
}

// checkSeq applies the sequence rule shared by all network
// implementations: genesis is sequence 0, and every later publish
// must present current+1.
func checkSeq(name string, current uint64, exists bool, presented uint64) error {
	if !exists {
		if presented != 0 {
			return &StaleSequenceError{Name: name, Current: 0}
		}
		return nil
	}
	if presented != current+1 {
		return &StaleSequenceError{Name: name, Current: current}
	}
	return nil
}

// resolveErr maps a spent resolve deadline to ErrResolutionTimeout.
func resolveErr(ctx context.Context) error {
	if err := ctx.Err(); err == context.DeadlineExceeded {
		return ErrResolutionTimeout
	} else if err != nil {
		return err
	}
	return nil
}

// MemNet is an in-memory pointer network for tests and offline use.
type MemNet struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemNet() *MemNet {
	return &MemNet{records: make(map[string]*Record)}
}

func (mn *MemNet) Publish(ctx context.Context, rec *Record) (err error) {
	err = rec.Verify()
	if err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()
	var current uint64
	prev, exists := mn.records[rec.Name]
	if exists {
		current = prev.Sequence
	}
	err = checkSeq(rec.Name, current, exists, rec.Sequence)
	if err != nil {
		return
	}
	mn.records[rec.Name] = rec
	log.Debugf("published %s seq %d -> %s", rec.Name, rec.Sequence, rec.CID)
	return
}

func (mn *MemNet) Resolve(ctx context.Context, name string) (rec *Record, err error) {
	if err = resolveErr(ctx); err != nil {
		return
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	rec, ok := mn.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	err = rec.Verify()
	if err != nil {
		return nil, err
	}
	return
}

// DirNet is a file-backed pointer network: one record file per name
// under Dir, written atomically.  Several processes pointing at the
// same directory (a synced folder, a mounted share) see each other's
// publishes; Watch surfaces them without polling.
type DirNet struct {
	Dir     string
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	Events  chan fsnotify.Event
}

// OpenDirNet opens (creating if needed) a directory-backed network.
func OpenDirNet(dir string) (dn *DirNet, err error) {
	defer Return(&err)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		Ck(err)
	}
	dn = &DirNet{Dir: dir}

	dn.watcher, err = fsnotify.NewWatcher()
	Ck(err)
	dn.Events = dn.watcher.Events
	err = dn.watcher.Add(dir)
	Ck(err)

	return
}

// Close stops the watcher.
func (dn *DirNet) Close() error {
	if dn.watcher == nil {
		return nil
	}
	return dn.watcher.Close()
}

func (dn *DirNet) path(name string) string {
	return filepath.Join(dn.Dir, name)
}

func (dn *DirNet) Publish(ctx context.Context, rec *Record) (err error) {
	err = rec.Verify()
	if err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}

	dn.mu.Lock()
	defer dn.mu.Unlock()

	var current uint64
	exists := false
	prev, err := dn.read(rec.Name)
	if err == nil {
		current = prev.Sequence
		exists = true
	} else if err != ErrNotFound {
		return
	}
	err = checkSeq(rec.Name, current, exists, rec.Sequence)
	if err != nil {
		return
	}

	buf, err := rec.Marshal()
	if err != nil {
		return
	}
	err = renameio.WriteFile(dn.path(rec.Name), buf, 0644)
	if err != nil {
		return
	}
	log.Debugf("published %s seq %d -> %s", rec.Name, rec.Sequence, rec.CID)
	return
}

func (dn *DirNet) Resolve(ctx context.Context, name string) (rec *Record, err error) {
	if err = resolveErr(ctx); err != nil {
		return
	}
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.read(name)
}

func (dn *DirNet) read(name string) (rec *Record, err error) {
	buf, err := ioutil.ReadFile(dn.path(name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return
	}
	return UnmarshalRecord(buf)
}
