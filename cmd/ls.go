// Package cmd implements the slacker commands. Each command writes its
// report to an io.Writer so it can be driven from tests.
package cmd

import (
	"fmt"
	"io"

	"github.com/c2h5oh/datasize"

	"github.com/lvdlvd/slacker/slack"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
}

func human(n uint64) string {
	return datasize.ByteSize(n).HumanReadable()
}

// Ls lists the files below target in the order a write would fill them,
// with the slack each one offers.
func Ls(e *slack.Engine, target string, out io.Writer, opts LsOptions) error {
	regions, err := e.Regions([]string{target})
	if err != nil {
		return err
	}

	var total uint64
	for _, r := range regions {
		total += uint64(r.Capacity)
		if !opts.Long {
			fmt.Fprintf(out, "%10s %s\n", human(uint64(r.Capacity)), r.File.Path)
			continue
		}
		offset := "-"
		if r.Capacity > 0 {
			offset = fmt.Sprint(r.Offset)
		}
		fmt.Fprintf(out, "%12s %10d %10d %s\n", offset, r.File.Size, r.Capacity, r.File.Path)
	}
	if opts.Long {
		fmt.Fprintf(out, "total %d bytes (%s) in %d regions\n", total, human(total), len(regions))
	}
	return nil
}
