package slack

import (
	"errors"
	"io"
	"io/fs"
	"path"

	"github.com/lvdlvd/slacker/fsys"
)

// fakeFS is an in-memory backend whose slack ranges are set by the test.
type fakeFS struct {
	nodes   map[string]*fakeNode
	nextRef uint64
	locates int
}

type fakeNode struct {
	id       fsys.FileID
	children []string // on-disk order
	slack    []fsys.Range
	corrupt  bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		nodes:   map[string]*fakeNode{".": {id: fsys.FileID{Path: ".", Dir: true, Ref: 1}}},
		nextRef: 2,
	}
}

func (f *fakeFS) node(p string, dir bool) *fakeNode {
	if n, ok := f.nodes[p]; ok {
		return n
	}
	parent := f.node(path.Dir(p), true)
	parent.children = append(parent.children, p)
	n := &fakeNode{id: fsys.FileID{Path: p, Dir: dir, Ref: f.nextRef}}
	f.nextRef++
	f.nodes[p] = n
	return n
}

// addFile adds a regular file at p with the given slack ranges.
func (f *fakeFS) addFile(p string, slack ...fsys.Range) *fakeNode {
	n := f.node(p, false)
	n.slack = slack
	n.id.Size = 100
	return n
}

func (f *fakeFS) Type() string { return "fake" }

func (f *fakeFS) ResolvePath(p string) (fsys.FileID, error) {
	n, ok := f.nodes[fsys.Clean(p)]
	if !ok {
		return fsys.FileID{}, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return n.id, nil
}

func (f *fakeFS) EnumerateDirectory(dir fsys.FileID) ([]fsys.FileID, error) {
	n, ok := f.nodes[dir.Path]
	if !ok || !n.id.Dir {
		return nil, errors.New("not a directory")
	}
	var out []fsys.FileID
	for _, c := range n.children {
		out = append(out, f.nodes[c].id)
	}
	return out, nil
}

func (f *fakeFS) LocateSlack(id fsys.FileID) ([]fsys.Range, error) {
	f.locates++
	n := f.nodes[id.Path]
	if n.corrupt {
		return nil, fsys.Corruptf("bad chain for %s", id.Path)
	}
	return n.slack, nil
}

func (f *fakeFS) Close() error { return nil }

// slackAt returns a range of size n at off.
func slackAt(off, n int64) fsys.Range { return fsys.Range{Start: off, End: off + n} }

// bytesBuffer implements Volume for testing
type bytesBuffer struct {
	data      []byte
	failWrite bool
	failOn    int // fail the failOn-th WriteAt (1-based); 0 never
	writes    int
}

func (b *bytesBuffer) WriteAt(p []byte, off int64) (int, error) {
	b.writes++
	if b.failWrite || b.writes == b.failOn {
		return 0, errors.New("device error")
	}
	if int(off)+len(p) > len(b.data) {
		return 0, io.ErrShortWrite
	}
	copy(b.data[off:], p)
	return len(p), nil
}

func (b *bytesBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
