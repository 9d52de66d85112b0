package slack

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/lvdlvd/slacker/fsys"
)

// Resolver expands target paths into the regular files they name.
type Resolver struct {
	fs fsys.FS
}

// NewResolver returns a Resolver over f.
func NewResolver(f fsys.FS) *Resolver { return &Resolver{fs: f} }

// Resolve returns the files named by target. A file yields itself; a
// directory yields every regular file below it, depth first, with
// siblings in byte-wise name order. A subdirectory's files appear at the
// position of the subdirectory's name.
func (r *Resolver) Resolve(target string) ([]fsys.FileID, error) {
	files, _, err := r.resolve(target)
	return files, err
}

// resolve also reports whether target named a directory.
func (r *Resolver) resolve(target string) ([]fsys.FileID, bool, error) {
	id, err := r.fs.ResolvePath(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, &fs.PathError{Op: "resolve", Path: target, Err: ErrPathNotFound}
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolving %s: %w", target, err)
	}
	if !id.Dir {
		return []fsys.FileID{id}, false, nil
	}

	var files []fsys.FileID
	seen := map[uint64]bool{}
	if err := r.walk(id, seen, &files); err != nil {
		return nil, true, err
	}
	return files, true, nil
}

func (r *Resolver) walk(dir fsys.FileID, seen map[uint64]bool, files *[]fsys.FileID) error {
	if seen[dir.Ref] {
		return fsys.Corruptf("directory loop at %s", dir.Path)
	}
	seen[dir.Ref] = true

	entries, err := r.fs.EnumerateDirectory(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir.Path, err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return path.Base(entries[i].Path) < path.Base(entries[j].Path)
	})
	for _, e := range entries {
		if !e.Dir {
			*files = append(*files, e)
			continue
		}
		if err := r.walk(e, seen, files); err != nil {
			return err
		}
	}
	return nil
}
