package blob

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Path locates one immutable object in the store.  A canonical path
// (canpath) looks like block/sha256/<hash>; on disk the hash gains
// Depth three-character subdir segments to keep directory sizes small.
type Path struct {
	Store *Store
	Raw   string
	Abs   string // absolute
	Rel   string // relative
	Canon string // canonical
	Class string
	Algo  string
	Hash  string
}

func (path Path) New(st *Store, raw string) (res *Path, err error) {
	path.Store = st
	path.Raw = raw

	clean := filepath.Clean(raw)

	// remove st.Dir
	index := strings.Index(clean, st.Dir)
	if index == 0 {
		clean = strings.Replace(clean, st.Dir+"/", "", 1)
	}

	parts := strings.Split(clean, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed content id: %s", raw)
	}
	path.Class = parts[0]
	switch path.Class {
	case ClassBlock, ClassTree:
	default:
		return nil, fmt.Errorf("unknown object class: %s", raw)
	}
	path.Algo = parts[1]
	// the last part is always the full hash, whether we were given
	// the canonical or the on-disk form
	path.Hash = parts[len(parts)-1]

	var subpath string
	for i := 0; i < st.Depth; i++ {
		if len(path.Hash) < 3*i+3 {
			return nil, fmt.Errorf("hash too short: %s", raw)
		}
		subdir := path.Hash[(3 * i):((3 * i) + 3)]
		subpath = filepath.Join(subpath, subdir)
	}
	path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
	path.Abs = filepath.Join(st.Dir, path.Rel)
	path.Canon = filepath.Join(path.Class, path.Algo, path.Hash)

	return &path, nil
}

// header is folded into the hash input so a block and a tree with the
// same bytes get different addresses.
func (path *Path) header() string {
	return path.Class + "\n"
}
