package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/spf13/afero"

	"github.com/lvdlvd/slacker/metadata"
	"github.com/lvdlvd/slacker/slack"
	"github.com/lvdlvd/slacker/volume"
)

// ReadOptions controls Read.
type ReadOptions struct {
	ID string // entry to read; may be a unique prefix
	// OutDir receives every selected payload under its recorded name.
	// When nil the single selected payload goes to the output writer.
	OutDir afero.Fs
	Logger *slog.Logger
}

// Read recovers hidden payloads using the manifests in the sidecar.
func Read(v *volume.Volume, store *metadata.Store, out io.Writer, opts ReadOptions) error {
	meta, err := store.Load()
	if err != nil {
		return err
	}
	if err := checkVolume(meta, v); err != nil {
		return err
	}
	entries, err := selectEntries(meta, opts.ID, opts.OutDir == nil)
	if err != nil {
		return err
	}

	e := slack.New(v.FS, v, slack.WithLogger(opts.Logger))
	used := map[string]bool{}
	for _, entry := range entries {
		if err := checkEntry(entry, v); err != nil {
			return err
		}
		if opts.OutDir == nil {
			return e.ReadTo(out, entry.Manifest)
		}

		name := outputName(entry)
		if used[name] {
			// Another entry was recorded under the same name.
			name += "." + entry.ID
		}
		used[name] = true
		f, err := opts.OutDir.Create(name)
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		err = e.ReadTo(f, entry.Manifest)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("recovering %s: %w", entry.ID, err)
		}
		fmt.Fprintf(out, "%s %s (%s)\n", entry.ID, name, human(entry.Manifest.Len()))
	}
	return nil
}

// selectEntries picks the entry named by id, or every entry when id is
// empty. With single set an empty id is only accepted if there is exactly
// one entry.
func selectEntries(meta *metadata.Metadata, id string, single bool) ([]*metadata.Entry, error) {
	if id != "" {
		e, err := meta.Find(id)
		if err != nil {
			return nil, err
		}
		return []*metadata.Entry{e}, nil
	}
	if len(meta.Files) == 0 {
		return nil, fmt.Errorf("metadata holds no hidden files")
	}
	if single && len(meta.Files) > 1 {
		return nil, fmt.Errorf("metadata holds %d hidden files; select one with --id", len(meta.Files))
	}
	var out []*metadata.Entry
	for i := range meta.Files {
		out = append(out, &meta.Files[i])
	}
	return out, nil
}

// outputName keeps recovered files inside the output directory.
func outputName(e *metadata.Entry) string {
	name := path.Base(path.Clean("/" + e.Filename))
	if name == "/" || name == "." {
		return e.ID
	}
	return name
}
