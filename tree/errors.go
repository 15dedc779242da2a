package tree

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownNode means the arena has no node with that id.
var ErrUnknownNode = errors.New("unknown node")

// ErrUnknownChild means the folder has no entry with that id or name.
var ErrUnknownChild = errors.New("unknown child")

// ErrMoveCycle means a folder was asked to move into itself or a
// descendant.
var ErrMoveCycle = errors.New("cannot move a folder into itself")

// ErrTooContended means a publish lost the sequence race more times
// in a row than we are willing to merge.
var ErrTooContended = errors.New("pointer too contended, giving up")

// DepthExceededError is checked before any mutation takes effect, so
// a failed create or move has zero partial effect.
type DepthExceededError struct {
	Depth int
	Max   int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("folder depth %d exceeds maximum %d", e.Depth, e.Max)
}

// NameCollisionError means the destination folder already has an
// entry with that name.  Fatal to the requested operation only.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("name already exists: %s", e.Name)
}
