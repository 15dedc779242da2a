package vaultbase

import (
	"context"
	"io"
	gopath "path"
	"strings"

	"github.com/pkg/errors"

	"github.com/t7a/vaultbase/codec"
	"github.com/t7a/vaultbase/version"
)

// ErrNoSuchPath means a path element does not exist.
var ErrNoSuchPath = errors.New("no such path")

// ErrNotAFolder means a folder operation hit a file.
var ErrNotAFolder = errors.New("not a folder")

// ErrNotAFile means a file operation hit a folder.
var ErrNotAFile = errors.New("not a file")

// splitPath cleans a slash path into elements; "/" is the root.
func splitPath(p string) []string {
	p = gopath.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

func findEntry(children []codec.Child, name string) (c codec.Child, ok bool) {
	for _, c := range children {
		if c.Name == name {
			return c, true
		}
	}
	return
}

// walk descends folder elements from the root, returning the arena id
// of the last one.
func (e *Engine) walk(ctx context.Context, elems []string) (id string, err error) {
	id = e.Tree.RootID()
	for _, name := range elems {
		children, err := e.Tree.Snapshot(ctx, id)
		if err != nil {
			return "", err
		}
		c, ok := findEntry(children, name)
		if !ok {
			return "", ErrNoSuchPath
		}
		if c.Kind != codec.KindFolder {
			return "", ErrNotAFolder
		}
		id = c.ID
	}
	return
}

// lookupEntry resolves a path to its parent folder's arena id and the
// entry itself.
func (e *Engine) lookupEntry(ctx context.Context, p string) (folderID string, entry codec.Child, err error) {
	elems := splitPath(p)
	if len(elems) == 0 {
		err = ErrNoSuchPath
		return
	}
	folderID, err = e.walk(ctx, elems[:len(elems)-1])
	if err != nil {
		return
	}
	children, err := e.Tree.Snapshot(ctx, folderID)
	if err != nil {
		return
	}
	entry, ok := findEntry(children, elems[len(elems)-1])
	if !ok {
		err = ErrNoSuchPath
		return
	}
	return folderID, entry, nil
}

// Mkdir creates a folder at path.
func (e *Engine) Mkdir(ctx context.Context, p string) (id string, err error) {
	elems := splitPath(p)
	if len(elems) == 0 {
		return "", ErrNoSuchPath
	}
	parent, err := e.walk(ctx, elems[:len(elems)-1])
	if err != nil {
		return
	}
	return e.Tree.CreateFolder(ctx, parent, elems[len(elems)-1])
}

// List returns the entries of the folder at path.
func (e *Engine) List(ctx context.Context, p string) (children []codec.Child, err error) {
	id, err := e.walk(ctx, splitPath(p))
	if err != nil {
		return
	}
	return e.Tree.Snapshot(ctx, id)
}

// Put writes content to the file at path, creating it if absent.  The
// save policy decides whether the replaced state is retained as a
// version.
func (e *Engine) Put(ctx context.Context, p string, rd io.Reader, mime string, policy version.SavePolicy, force bool) (err error) {
	elems := splitPath(p)
	if len(elems) == 0 {
		return ErrNoSuchPath
	}
	folderID, err := e.walk(ctx, elems[:len(elems)-1])
	if err != nil {
		return
	}
	name := elems[len(elems)-1]
	children, err := e.Tree.Snapshot(ctx, folderID)
	if err != nil {
		return
	}
	entry, ok := findEntry(children, name)
	if !ok {
		_, err = e.Tree.CreateFile(ctx, folderID, name, rd, mime)
		return
	}
	if entry.Kind != codec.KindFile {
		return ErrNotAFile
	}
	f, err := e.Tree.OpenFile(ctx, folderID, entry.ID)
	if err != nil {
		return
	}
	return e.Files.Update(ctx, f, rd, policy, force)
}

// open resolves a path to an open file handle.
func (e *Engine) open(ctx context.Context, p string) (f *version.File, err error) {
	folderID, entry, err := e.lookupEntry(ctx, p)
	if err != nil {
		return
	}
	if entry.Kind != codec.KindFile {
		return nil, ErrNotAFile
	}
	return e.Tree.OpenFile(ctx, folderID, entry.ID)
}

// Get reads the current content of the file at path.
func (e *Engine) Get(ctx context.Context, p string) (plain []byte, err error) {
	f, err := e.open(ctx, p)
	if err != nil {
		return
	}
	return e.Files.GetContent(f)
}

// Versions lists the retained prior states of the file at path,
// most recent first.
func (e *Engine) Versions(ctx context.Context, p string) (versions []codec.VersionEntry, err error) {
	f, err := e.open(ctx, p)
	if err != nil {
		return
	}
	return f.Meta.Versions, nil
}

// GetVersion reads one retained prior state of the file at path.
func (e *Engine) GetVersion(ctx context.Context, p string, index int) (plain []byte, err error) {
	f, err := e.open(ctx, p)
	if err != nil {
		return
	}
	return e.Files.GetVersion(f, index)
}

// Restore makes version index of the file at path current again,
// keeping the replaced state as a version.
func (e *Engine) Restore(ctx context.Context, p string, index int) (err error) {
	f, err := e.open(ctx, p)
	if err != nil {
		return
	}
	return e.Files.RestoreVersion(ctx, f, index)
}

// Remove deletes the entry at path; folders go recursively.
func (e *Engine) Remove(ctx context.Context, p string) (err error) {
	folderID, entry, err := e.lookupEntry(ctx, p)
	if err != nil {
		return
	}
	switch entry.Kind {
	case codec.KindFolder:
		return e.Tree.DeleteFolder(ctx, folderID, entry.ID)
	case codec.KindFile:
		return e.Tree.DeleteFile(ctx, folderID, entry.ID)
	default:
		return errors.Errorf("unknown entry kind: %s", entry.Kind)
	}
}

// Rename changes an entry's name in place.
func (e *Engine) Rename(ctx context.Context, p, newName string) (err error) {
	folderID, entry, err := e.lookupEntry(ctx, p)
	if err != nil {
		return
	}
	return e.Tree.Rename(ctx, folderID, entry.ID, newName)
}

// Move relocates the entry at src into the folder at dstFolder.
func (e *Engine) Move(ctx context.Context, src, dstFolder string) (err error) {
	srcID, entry, err := e.lookupEntry(ctx, src)
	if err != nil {
		return
	}
	dstID, err := e.walk(ctx, splitPath(dstFolder))
	if err != nil {
		return
	}
	return e.Tree.Move(ctx, srcID, entry.ID, dstID)
}
