package tree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/keys"
)

// newID mints an arena/entry id.
func newID() string {
	return uuid.NewString()
}

// DefaultMaxDepth bounds the namespace depth.
const DefaultMaxDepth = 32

// State is the per-node load state machine:
// unloaded -> loading -> {loaded | failed}.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Node is one folder in the arena.  Parent is an id reference, never
// a pointer; the arena owns every node and relations are ids, so
// there are no ownership cycles.  A loaded node holds its decrypted
// children, its content key, its signing key, and the last known
// sequence number.
type Node struct {
	ID          string
	Name        string
	Parent      string // arena id, "" for root
	PointerName string
	Depth       int

	state   State
	loadErr error

	key      keys.ContentKey
	signer   *keys.SigningKey
	seq      uint64
	metaCID  string
	children []codec.Child
}

// State reports the node's load state.
func (n *Node) State() State {
	return n.state
}

// LoadErr reports why a failed node failed.
func (n *Node) LoadErr() error {
	return n.loadErr
}

// Sequence is the last known sequence number of the node's pointer.
func (n *Node) Sequence() uint64 {
	return n.seq
}

// zero wipes the node's key material.
func (n *Node) zero() {
	n.key.Zero()
	n.signer.Zero()
}

// snapshot copies a child list so a mutation can never act through a
// reference captured before a suspension point.
func snapshot(children []codec.Child) []codec.Child {
	out := make([]codec.Child, len(children))
	copy(out, children)
	return out
}

// findChild returns the index of the entry with the given id, or -1.
func findChild(children []codec.Child, id string) int {
	for i, c := range children {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// findName returns the index of the entry with the given name, or -1.
func findName(children []codec.Child, name string) int {
	for i, c := range children {
		if c.Name == name {
			return i
		}
	}
	return -1
}
