package slack

import (
	"errors"
	"io"
	"math"
)

// Volume is the raw byte store a filesystem lives on. The engine borrows
// it and never closes it.
type Volume interface {
	io.ReaderAt
	io.WriterAt
}

// IO performs raw reads and writes of slack bytes. It does no validation
// beyond checking that every byte was transferred.
type IO struct {
	v Volume
}

// NewIO returns an IO over v.
func NewIO(v Volume) *IO { return &IO{v: v} }

func checkOffset(op string, off uint64, n uint32) error {
	if off > math.MaxInt64-uint64(n) {
		return &IOError{Op: op, Offset: off, Length: n, Err: errors.New("offset out of range")}
	}
	return nil
}

// Write stores data at off.
func (s *IO) Write(off uint64, data []byte) error {
	n := uint32(len(data))
	if err := checkOffset("write", off, n); err != nil {
		return err
	}
	w, err := s.v.WriteAt(data, int64(off))
	if err == nil && w < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &IOError{Op: "write", Offset: off, Length: n, Err: err}
	}
	return nil
}

// Read returns n bytes at off.
func (s *IO) Read(off uint64, n uint32) ([]byte, error) {
	if err := checkOffset("read", off, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	r, err := s.v.ReadAt(buf, int64(off))
	if r == len(buf) {
		// ReaderAt may report io.EOF together with a full read at the end
		// of the volume.
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, &IOError{Op: "read", Offset: off, Length: n, Err: err}
}

// Zero overwrites n bytes at off with zeros.
func (s *IO) Zero(off uint64, n uint32) error {
	if err := s.Write(off, make([]byte, n)); err != nil {
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			ioErr.Op = "zero"
		}
		return err
	}
	return nil
}

// Occupied reports whether any of the n bytes at off is non-zero.
func (s *IO) Occupied(off uint64, n uint32) (bool, error) {
	buf, err := s.Read(off, n)
	if err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}
