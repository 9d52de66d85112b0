// Package metadata keeps the manifests of hidden files in a JSON sidecar,
// so several payloads on one image can be listed, read back and cleared by
// ID.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/afero"

	"github.com/lvdlvd/slacker/slack"
)

const (
	// Version of the sidecar format.
	Version = 2
	// Module names the hiding technique recorded in the sidecar.
	Module = "file-slack"
)

// ErrNotFound is returned when no entry matches an ID.
var ErrNotFound = errors.New("no such hidden file")

// Entry describes one hidden payload.
type Entry struct {
	ID        string         `json:"id"`
	Filename  string         `json:"filename"`
	Size      uint64         `json:"size"`
	Targets   []string       `json:"targets"`
	Partition string         `json:"partition,omitempty"`
	Manifest  slack.Manifest `json:"manifest"`
}

// Metadata is the sidecar content.
type Metadata struct {
	Version    int     `json:"version"`
	Module     string  `json:"module"`
	Filesystem string  `json:"filesystem,omitempty"`
	Files      []Entry `json:"files"`
}

// New returns empty metadata for a filesystem type.
func New(filesystem string) *Metadata {
	return &Metadata{Version: Version, Module: Module, Filesystem: filesystem, Files: []Entry{}}
}

// newID is replaced in tests.
var newID = func() string { return uuid.NewV4().String() }

// Add records e and returns its ID, generating one when e has none.
func (m *Metadata) Add(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	for _, f := range m.Files {
		if f.ID == e.ID {
			return "", fmt.Errorf("duplicate id %s", e.ID)
		}
	}
	e.Size = e.Manifest.Len()
	m.Files = append(m.Files, e)
	return e.ID, nil
}

// Find returns the entry whose ID is id or starts with id. A prefix must
// be unambiguous.
func (m *Metadata) Find(id string) (*Entry, error) {
	var match *Entry
	for i := range m.Files {
		e := &m.Files[i]
		if e.ID == id {
			return e, nil
		}
		if id != "" && strings.HasPrefix(e.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("id prefix %q is ambiguous", id)
			}
			match = e
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return match, nil
}

// Remove deletes the entry selected by id as in Find.
func (m *Metadata) Remove(id string) error {
	e, err := m.Find(id)
	if err != nil {
		return err
	}
	for i := range m.Files {
		if &m.Files[i] == e {
			m.Files = append(m.Files[:i], m.Files[i+1:]...)
			break
		}
	}
	return nil
}

// Store reads and writes a sidecar file.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore returns a Store for the sidecar at name on fsys.
func NewStore(fsys afero.Fs, name string) *Store {
	return &Store{fs: fsys, path: name}
}

// Path returns the sidecar location.
func (s *Store) Path() string { return s.path }

// Load reads the sidecar. A missing sidecar yields empty metadata.
func (s *Store) Load() (*Metadata, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing metadata %s: %w", s.path, err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("metadata %s: unsupported version %d", s.path, m.Version)
	}
	if m.Module != Module {
		return nil, fmt.Errorf("metadata %s: written by module %q, not %q", s.path, m.Module, Module)
	}
	if m.Files == nil {
		m.Files = []Entry{}
	}
	return &m, nil
}

// Save replaces the sidecar with m. The new content is written next to the
// sidecar and renamed over it.
func (s *Store) Save(m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating metadata directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}
