package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/lvdlvd/slacker/metadata"
	"github.com/lvdlvd/slacker/slack"
	"github.com/lvdlvd/slacker/volume"
)

// WriteOptions controls Write.
type WriteOptions struct {
	Targets   []string // files or directories whose slack receives the payload
	Filename  string   // name recorded for the payload
	Overwrite bool
	Logger    *slog.Logger
}

// Write hides the payload read from r in the slack of the targets, records
// its manifest in the sidecar and prints the new entry's ID.
func Write(v *volume.Volume, store *metadata.Store, r io.Reader, out io.Writer, opts WriteOptions) error {
	if len(opts.Targets) == 0 {
		return fmt.Errorf("write needs at least one destination")
	}
	meta, err := store.Load()
	if err != nil {
		return err
	}
	if err := checkVolume(meta, v); err != nil {
		return err
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	// Slack recorded for earlier payloads stays off limits even when its
	// bytes read as zeros.
	var reserved []slack.Manifest
	for _, entry := range meta.Files {
		if entry.Partition == partitionName(v) {
			reserved = append(reserved, entry.Manifest)
		}
	}
	e := slack.New(v.FS, v,
		slack.WithOverwrite(opts.Overwrite),
		slack.WithReserved(reserved...),
		slack.WithLogger(opts.Logger),
	)
	m, err := e.Write(payload, opts.Targets)
	if err != nil {
		return err
	}
	if err := v.Sync(); err != nil {
		return fmt.Errorf("syncing image: %w", err)
	}

	meta.Filesystem = v.FS.Type()
	id, err := meta.Add(metadata.Entry{
		Filename:  opts.Filename,
		Targets:   opts.Targets,
		Partition: partitionName(v),
		Manifest:  m,
	})
	if err == nil {
		err = store.Save(meta)
	}
	if err != nil {
		// The payload is on disk; without the manifest it is lost.
		raw, _ := json.Marshal(m)
		return fmt.Errorf("payload written but not recorded (manifest %s): %w", raw, err)
	}

	fmt.Fprintln(out, id)
	return nil
}

func partitionName(v *volume.Volume) string {
	if v.Partition == nil {
		return ""
	}
	return v.Partition.Name
}

// checkVolume refuses to mix manifests of different filesystems in one
// sidecar.
func checkVolume(meta *metadata.Metadata, v *volume.Volume) error {
	if meta.Filesystem != "" && meta.Filesystem != v.FS.Type() {
		return fmt.Errorf("metadata belongs to a %s filesystem, image is %s", meta.Filesystem, v.FS.Type())
	}
	return nil
}

// checkEntry refuses to replay a manifest on a different partition than
// the one it was written to.
func checkEntry(e *metadata.Entry, v *volume.Volume) error {
	if e.Partition != partitionName(v) {
		return fmt.Errorf("%s was written to partition %q, not %q", e.ID, e.Partition, partitionName(v))
	}
	return nil
}
