package tree

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/t7a/vaultbase/codec"
)

// Conflict records one entry that was edited on both sides.  The
// remote edit stays under the original name; the local edit survives
// as a conflict copy.  Neither side is ever silently discarded.
type Conflict struct {
	ID     string
	Remote codec.Child
	Local  codec.Child
}

// conflictSuffix marks the local side of a conflicting edit.
const conflictSuffix = " (conflict)"

func childEqual(a, b codec.Child) bool {
	return a.Kind == b.Kind &&
		a.Name == b.Name &&
		a.PointerName == b.PointerName &&
		bytes.Equal(a.SealedKey, b.SealedKey) &&
		bytes.Equal(a.SealedSigner, b.SealedSigner)
}

func childIndex(children []codec.Child) map[string]codec.Child {
	m := make(map[string]codec.Child, len(children))
	for _, c := range children {
		m[c.ID] = c
	}
	return m
}

func nameTaken(children []codec.Child, name string) bool {
	for _, c := range children {
		if c.Name == name {
			return true
		}
	}
	return false
}

// conflictName picks a name not yet present in children, suffixing
// and then numbering.
func conflictName(children []codec.Child, name string) string {
	out := name + conflictSuffix
	for n := 2; nameTaken(children, out); n++ {
		out = fmt.Sprintf("%s%s %d", name, conflictSuffix, n)
	}
	return out
}

// merge three-way merges a folder's child lists after a lost publish
// race.  base is the list both sides started from, local is what this
// writer wanted, remote is what the network holds now.
//
// Rules: additions union; a pure removal on either side wins over an
// unchanged entry; an edit beats a removal; edits to the same entry
// on both sides keep the remote version and add the local version as
// a conflict copy.
func merge(base, local, remote []codec.Child) (out []codec.Child, conflicts []Conflict) {
	baseIdx := childIndex(base)
	localIdx := childIndex(local)
	remoteIdx := childIndex(remote)

	for _, r := range remote {
		b, inBase := baseIdx[r.ID]
		l, inLocal := localIdx[r.ID]

		if !inBase {
			// remote addition
			out = append(out, r)
			continue
		}
		if !inLocal {
			// locally removed
			if childEqual(r, b) {
				// pure removal wins
				continue
			}
			// remote edited what we removed: the edit survives
			out = append(out, r)
			continue
		}

		localChanged := !childEqual(l, b)
		remoteChanged := !childEqual(r, b)
		switch {
		case !localChanged:
			out = append(out, r)
		case !remoteChanged:
			out = append(out, l)
		case childEqual(l, r):
			// both sides made the same edit
			out = append(out, r)
		default:
			// genuine conflict: remote stays, local becomes a copy
			copyEntry := l
			copyEntry.ID = uuid.NewString()
			copyEntry.Name = conflictName(out, l.Name)
			out = append(out, r, copyEntry)
			conflicts = append(conflicts, Conflict{ID: r.ID, Remote: r, Local: l})
		}
	}

	for _, l := range local {
		if _, inRemote := remoteIdx[l.ID]; inRemote {
			continue
		}
		b, inBase := baseIdx[l.ID]
		if !inBase {
			// local addition; a concurrent remote addition may have
			// taken the name, and two entries must never share one
			if nameTaken(out, l.Name) {
				l.Name = conflictName(out, l.Name)
			}
			out = append(out, l)
			continue
		}
		// removed remotely
		if childEqual(l, b) {
			// pure removal wins
			continue
		}
		// we edited what remote removed: the edit survives
		out = append(out, l)
	}

	return
}
