package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/lvdlvd/slacker/metadata"
)

// Metadata prints the content of a sidecar.
func Metadata(store *metadata.Store, out io.Writer) error {
	meta, err := store.Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Metadata: %s\n", store.Path())
	fmt.Fprintf(out, "Version: %d\n", meta.Version)
	fmt.Fprintf(out, "Module: %s\n", meta.Module)
	if meta.Filesystem != "" {
		fmt.Fprintf(out, "Filesystem: %s\n", meta.Filesystem)
	}
	fmt.Fprintf(out, "Files: %d\n", len(meta.Files))
	for _, e := range meta.Files {
		fmt.Fprintf(out, "\n%s\n", e.ID)
		fmt.Fprintf(out, "  Filename:  %s\n", e.Filename)
		fmt.Fprintf(out, "  Size:      %d (%s)\n", e.Size, human(e.Size))
		fmt.Fprintf(out, "  Fragments: %d\n", len(e.Manifest))
		fmt.Fprintf(out, "  Targets:   %s\n", strings.Join(e.Targets, ", "))
		if e.Partition != "" {
			fmt.Fprintf(out, "  Partition: %s\n", e.Partition)
		}
	}
	return nil
}
