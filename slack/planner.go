package slack

import (
	"io/fs"

	"github.com/lvdlvd/slacker/fsys"
)

// Region is a contiguous slack range of one file. Capacity may be zero.
type Region struct {
	File     fsys.FileID
	Offset   uint64
	Capacity uint32
}

// Candidate is a region offered to the planner. Explicit is set when the
// file was named directly rather than found by expanding a directory.
type Candidate struct {
	Region
	Explicit bool
}

// Allocation is the part of a region a payload fragment will occupy.
type Allocation struct {
	File fsys.FileID
	Address
}

// Prober reports whether a byte range already holds data.
type Prober interface {
	Occupied(offset uint64, length uint32) (bool, error)
}

// reservedProber reports a range as occupied when it overlaps a reserved
// address, and otherwise defers to Prober.
type reservedProber struct {
	Prober
	reserved Manifest
}

func (p reservedProber) Occupied(offset uint64, length uint32) (bool, error) {
	end := offset + uint64(length)
	for _, a := range p.reserved {
		if a.Length > 0 && offset < a.Offset+uint64(a.Length) && a.Offset < end {
			return true, nil
		}
	}
	return p.Prober.Occupied(offset, length)
}

// Plan places payloadLen bytes into candidates first-fit, in order. Each
// usable candidate takes min(remaining, capacity). Unless overwrite is set,
// a candidate whose intended bytes are occupied fails the plan with
// ErrNoFreeSlack when explicit and is skipped otherwise. Nothing is written.
func Plan(payloadLen int, candidates []Candidate, probe Prober, overwrite bool) ([]Allocation, error) {
	return plan(payloadLen, candidates, probe, overwrite, nil)
}

func plan(payloadLen int, candidates []Candidate, probe Prober, overwrite bool, skipped func(Candidate)) ([]Allocation, error) {
	remaining := uint64(payloadLen)
	var available uint64
	var out []Allocation
	for _, c := range candidates {
		if remaining == 0 {
			break
		}
		if c.Capacity == 0 {
			continue
		}
		n := uint32(min(remaining, uint64(c.Capacity)))
		if !overwrite && probe != nil {
			occupied, err := probe.Occupied(c.Offset, n)
			if err != nil {
				return nil, err
			}
			if occupied {
				if c.Explicit {
					return nil, &fs.PathError{Op: "write", Path: c.File.Path, Err: ErrNoFreeSlack}
				}
				if skipped != nil {
					skipped(c)
				}
				continue
			}
		}
		out = append(out, Allocation{File: c.File, Address: Address{Offset: c.Offset, Length: n}})
		remaining -= uint64(n)
		available += uint64(n)
	}
	if remaining > 0 {
		return nil, &SpaceError{Required: uint64(payloadLen), Available: available}
	}
	return out, nil
}
