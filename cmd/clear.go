package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/lvdlvd/slacker/metadata"
	"github.com/lvdlvd/slacker/slack"
	"github.com/lvdlvd/slacker/volume"
)

// Clear zeroes the slack used by the entry id, or by every entry when id is
// empty, and drops the cleared entries from the sidecar.
func Clear(v *volume.Volume, store *metadata.Store, id string, out io.Writer, logger *slog.Logger) error {
	meta, err := store.Load()
	if err != nil {
		return err
	}
	if err := checkVolume(meta, v); err != nil {
		return err
	}
	entries, err := selectEntries(meta, id, false)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := checkEntry(entry, v); err != nil {
			return err
		}
	}

	e := slack.New(v.FS, v, slack.WithLogger(logger))
	var cleared []string
	for _, entry := range entries {
		if err := e.Clear(entry.Manifest); err != nil {
			return fmt.Errorf("clearing %s: %w", entry.ID, err)
		}
		cleared = append(cleared, entry.ID)
	}
	if err := v.Sync(); err != nil {
		return fmt.Errorf("syncing image: %w", err)
	}

	for _, cid := range cleared {
		if err := meta.Remove(cid); err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared %s\n", cid)
	}
	return store.Save(meta)
}
