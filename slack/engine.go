// Package slack hides payloads in file slack. It resolves target paths,
// locates their slack through an fsys.FS, plans where the payload goes and
// writes it with raw volume I/O. The returned Manifest is all that is needed
// to read the payload back or erase it.
package slack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"

	"github.com/lvdlvd/slacker/fsys"
)

// Engine runs slack operations against one filesystem and its volume.
// It is not safe for concurrent use.
type Engine struct {
	fs        fsys.FS
	io        *IO
	resolver  *Resolver
	overwrite bool
	reserved  Manifest
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithOverwrite disables the check that refuses to write over non-zero
// slack.
func WithOverwrite(overwrite bool) Option {
	return func(e *Engine) { e.overwrite = overwrite }
}

// WithReserved marks the addresses of earlier payloads as in use, so a
// write treats them as occupied even when their bytes are all zero.
func WithReserved(manifests ...Manifest) Option {
	return func(e *Engine) {
		for _, m := range manifests {
			e.reserved = append(e.reserved, m...)
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an Engine for f, whose bytes live on v.
func New(f fsys.FS, v Volume, opts ...Option) *Engine {
	e := &Engine{
		fs:       f,
		io:       NewIO(v),
		resolver: NewResolver(f),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// locate splits the slack of id into regions. Ranges larger than a region
// can describe are cut into consecutive chunks.
func (e *Engine) locate(id fsys.FileID) ([]Region, error) {
	ranges, err := e.fs.LocateSlack(id)
	if err != nil {
		return nil, fmt.Errorf("locating slack of %s: %w", id.Path, err)
	}
	var regions []Region
	for _, r := range ranges {
		off := uint64(r.Start)
		for size := uint64(r.Size()); size > 0; {
			n := min(size, math.MaxUint32)
			regions = append(regions, Region{File: id, Offset: off, Capacity: uint32(n)})
			off += n
			size -= n
		}
	}
	if len(regions) == 0 {
		return nil, &fs.PathError{Op: "locate", Path: id.Path, Err: ErrNoSlackAvailable}
	}
	return regions, nil
}

// Regions returns the slack regions of the targets in allocation order.
// Files without slack are reported once with zero capacity. Regions are
// computed afresh on every call.
func (e *Engine) Regions(targets []string) ([]Candidate, error) {
	var out []Candidate
	seen := map[uint64]bool{}
	for _, target := range targets {
		files, dir, err := e.resolver.resolve(target)
		if err != nil {
			return nil, err
		}
		e.log.Debug("resolved target", "target", target, "dir", dir, "files", len(files))
		for _, id := range files {
			regions, err := e.locate(id)
			if errors.Is(err, ErrNoSlackAvailable) {
				e.log.Debug("no slack", "path", id.Path)
				out = append(out, Candidate{Region: Region{File: id}, Explicit: !dir})
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, r := range regions {
				// A file named twice, directly or through a directory,
				// contributes its slack once.
				if seen[r.Offset] {
					continue
				}
				seen[r.Offset] = true
				out = append(out, Candidate{Region: r, Explicit: !dir})
			}
		}
	}
	return out, nil
}

// Free returns the total slack capacity of the targets, occupied or not.
func (e *Engine) Free(targets []string) (uint64, error) {
	candidates, err := e.Regions(targets)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, c := range candidates {
		n += uint64(c.Capacity)
	}
	return n, nil
}

// Write hides payload in the slack of targets and returns its manifest.
// The whole placement is planned before the first byte is written, so
// resolution, space and occupancy failures leave the volume untouched. An
// I/O error part way through returns the fragments already written along
// with the error; they are not rolled back.
func (e *Engine) Write(payload []byte, targets []string) (Manifest, error) {
	candidates, err := e.Regions(targets)
	if err != nil {
		return nil, err
	}
	e.log.Debug("planning", "bytes", len(payload), "candidates", len(candidates), "overwrite", e.overwrite)

	var probe Prober = e.io
	if len(e.reserved) > 0 {
		probe = reservedProber{Prober: e.io, reserved: e.reserved}
	}
	allocs, err := plan(len(payload), candidates, probe, e.overwrite, func(c Candidate) {
		e.log.Info("skipping occupied slack", "path", c.File.Path, "offset", c.Offset, "capacity", c.Capacity)
	})
	if err != nil {
		return nil, err
	}

	m := make(Manifest, 0, len(allocs))
	pos := 0
	for _, a := range allocs {
		e.log.Debug("writing fragment", "path", a.File.Path, "offset", a.Offset, "length", a.Length)
		if err := e.io.Write(a.Offset, payload[pos:pos+int(a.Length)]); err != nil {
			return m, err
		}
		pos += int(a.Length)
		m = append(m, a.Address)
	}
	e.log.Info("payload written", "bytes", len(payload), "fragments", len(m))
	return m, nil
}

// Read returns the payload described by m.
func (e *Engine) Read(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(m.Len()))
	if err := e.ReadTo(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadTo streams the payload described by m to w, fragment by fragment.
func (e *Engine) ReadTo(w io.Writer, m Manifest) error {
	for _, a := range m {
		data, err := e.io.Read(a.Offset, a.Length)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
	}
	e.log.Debug("payload read", "bytes", m.Len(), "fragments", len(m))
	return nil
}

// Clear zeroes every fragment of m. Clearing twice is harmless.
func (e *Engine) Clear(m Manifest) error {
	for _, a := range m {
		if err := e.io.Zero(a.Offset, a.Length); err != nil {
			return err
		}
	}
	e.log.Info("payload cleared", "bytes", m.Len(), "fragments", len(m))
	return nil
}
