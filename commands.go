package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/slacker/cmd"
	"github.com/lvdlvd/slacker/slack"
)

func (a *app) newWriteCmd() *cobra.Command {
	var (
		dests     []string
		name      string
		overwrite bool
	)
	c := &cobra.Command{
		Use:   "write [file]",
		Short: "Hide a file (or stdin) in the slack of the destination paths",
		Long: `write spreads the payload over the slack of the destination files in
order. A directory destination stands for every file below it, visited depth
first in name order. Slack that already holds data is skipped when it was
reached through a directory and refused when the file was named directly,
unless --overwrite is given.

Example:
  slacker -d fat.img write --dest /docs secret.pdf
  echo hello | slacker -d ntfs.img write --dest /a.txt --dest /b.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var r io.Reader = c.InOrStdin()
			filename := "stdin"
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
				filename = filepath.Base(args[0])
			}
			if name != "" {
				filename = name
			}

			v, err := a.open(c, true)
			if err != nil {
				return err
			}
			defer v.Close()
			return cmd.Write(v, a.store(), r, c.OutOrStdout(), cmd.WriteOptions{
				Targets:   dests,
				Filename:  filename,
				Overwrite: overwrite,
				Logger:    a.logger(c),
			})
		},
	}
	c.Flags().StringArrayVar(&dests, "dest", nil, "file or directory whose slack receives data (repeatable)")
	c.Flags().StringVar(&name, "name", "", "filename to record instead of the input's name")
	c.Flags().BoolVar(&overwrite, "overwrite", false, "write over slack that already holds data")
	c.MarkFlagRequired("dest")
	a.metadataFlag(c)
	return c
}

func (a *app) newReadCmd() *cobra.Command {
	var id, outdir string
	c := &cobra.Command{
		Use:   "read",
		Short: "Recover hidden data recorded in the metadata file",
		Long: `read writes one hidden payload to stdout, or every recorded payload into
--outdir under its original name.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			v, err := a.open(c, false)
			if err != nil {
				return err
			}
			defer v.Close()

			opts := cmd.ReadOptions{ID: id, Logger: a.logger(c)}
			if outdir != "" {
				if err := a.fs.MkdirAll(outdir, 0o755); err != nil {
					return err
				}
				opts.OutDir = afero.NewBasePathFs(a.fs, outdir)
			}
			return cmd.Read(v, a.store(), c.OutOrStdout(), opts)
		},
	}
	c.Flags().StringVar(&id, "id", "", "id (or unique prefix) of the payload to read")
	c.Flags().StringVarP(&outdir, "outdir", "o", "", "directory to recover payloads into")
	a.metadataFlag(c)
	return c
}

func (a *app) newClearCmd() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "clear",
		Short: "Zero the slack used by hidden data and forget it",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			v, err := a.open(c, true)
			if err != nil {
				return err
			}
			defer v.Close()
			return cmd.Clear(v, a.store(), id, c.OutOrStdout(), a.logger(c))
		},
	}
	c.Flags().StringVar(&id, "id", "", "id (or unique prefix) of the payload to clear; all when empty")
	a.metadataFlag(c)
	return c
}

func (a *app) newLsCmd() *cobra.Command {
	var long bool
	c := &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and their slack in write order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			target := "/"
			if len(args) == 1 {
				target = args[0]
			}
			v, err := a.open(c, false)
			if err != nil {
				return err
			}
			defer v.Close()
			e := slack.New(v.FS, v, slack.WithLogger(a.logger(c)))
			return cmd.Ls(e, target, c.OutOrStdout(), cmd.LsOptions{Long: long})
		},
	}
	c.Flags().BoolVarP(&long, "long", "l", false, "show offsets and file sizes")
	return c
}

func (a *app) newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show the extents and slack of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			v, err := a.open(c, false)
			if err != nil {
				return err
			}
			defer v.Close()
			return cmd.Stat(v.FS, args[0], c.OutOrStdout())
		},
	}
}

func (a *app) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the partition table and filesystem header",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			v, err := a.open(c, false)
			if err != nil {
				return err
			}
			defer v.Close()
			return cmd.Info(v, c.OutOrStdout())
		},
	}
}

func (a *app) newMetadataCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "metadata",
		Short: "Show what a metadata file records",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if _, err := a.fs.Stat(a.meta); err != nil {
				return fmt.Errorf("reading metadata: %w", err)
			}
			return cmd.Metadata(a.store(), c.OutOrStdout())
		},
	}
	a.metadataFlag(c)
	return c
}
