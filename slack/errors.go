package slack

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/lvdlvd/slacker/fsys"
)

var (
	// ErrPathNotFound is returned when a target path does not exist.
	ErrPathNotFound = fs.ErrNotExist

	// ErrNoSlackAvailable marks a file without usable slack. Write skips
	// such files and never returns it.
	ErrNoSlackAvailable = errors.New("no slack available")

	// ErrNoFreeSlack is returned when an explicitly named file's slack
	// already holds non-zero data.
	ErrNoFreeSlack = errors.New("slack already in use")

	// ErrInsufficientSpace is matched by *SpaceError.
	ErrInsufficientSpace = errors.New("insufficient slack space")

	// ErrMetadataCorrupt is returned when filesystem structures cannot be
	// interpreted.
	ErrMetadataCorrupt = fsys.ErrCorrupt

	// ErrIOFailure is matched by *IOError.
	ErrIOFailure = errors.New("slack i/o failure")
)

// SpaceError reports a payload that does not fit the usable slack of the
// targets.
type SpaceError struct {
	Required  uint64
	Available uint64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("%v: need %d bytes, %d available", ErrInsufficientSpace, e.Required, e.Available)
}

func (e *SpaceError) Is(target error) bool { return target == ErrInsufficientSpace }

// IOError reports a failed or short raw access to the volume.
type IOError struct {
	Op     string // "read", "write" or "zero"
	Offset uint64
	Length uint32
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("slack %s at offset %d (%d bytes): %v", e.Op, e.Offset, e.Length, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIOFailure }
