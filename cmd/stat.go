package cmd

import (
	"fmt"
	"io"

	"github.com/lvdlvd/slacker/fsys"
)

// Stat shows where a file's data and slack live.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	id, err := filesystem.ResolvePath(fsPath)
	if err != nil {
		return err
	}

	kind := "regular file"
	if id.Dir {
		kind = "directory"
	}
	fmt.Fprintf(out, "  File: %s\n", id.Path)
	fmt.Fprintf(out, "  Type: %s\n", kind)
	fmt.Fprintf(out, "  Size: %d\n", id.Size)
	fmt.Fprintf(out, "   Ref: %d\n", id.Ref)
	if id.Dir {
		return nil
	}

	if em, ok := filesystem.(fsys.ExtentMapper); ok {
		extents, err := em.FileExtents(id.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Extents: %d\n", len(extents))
		for _, e := range extents {
			fmt.Fprintf(out, "  %10d -> %12d  %d bytes\n", e.Logical, e.Physical, e.Length)
		}
	}

	ranges, err := filesystem.LocateSlack(id)
	if err != nil {
		return err
	}
	var total int64
	for _, r := range ranges {
		total += r.Size()
	}
	fmt.Fprintf(out, " Slack: %d bytes\n", total)
	for _, r := range ranges {
		fmt.Fprintf(out, "  %12d .. %d\n", r.Start, r.End)
	}
	return nil
}
