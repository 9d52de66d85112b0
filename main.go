// slacker - Hide data in the file slack of FAT, NTFS and ext2/3/4 images
//
// Usage:
//
//	slacker -d <image> write --dest <path> [--dest <path>...] [file]
//	slacker -d <image> read [--id <id>] [-o <dir>]
//	slacker -d <image> clear [--id <id>]
//	slacker -d <image> ls [-l] [path]
//	slacker -d <image> stat <path>
//	slacker -d <image> info
//	slacker metadata
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/slacker/metadata"
	"github.com/lvdlvd/slacker/volume"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "slacker: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root := newRootCmd(afero.NewOsFs())
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

// app holds the global flags shared by every command.
type app struct {
	device    string
	partition string
	verbose   bool
	meta      string
	fs        afero.Fs // where sidecars and recovered files live
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs}
	root := &cobra.Command{
		Use:   "slacker",
		Short: "Hide data in file slack of filesystem images",
		Long: `slacker hides arbitrary data in the slack space of files on FAT12/16/32,
NTFS and ext2/3/4 images: the bytes between a file's end and the end of its
last cluster or block. A metadata file records where each payload went, so it
can be read back or wiped later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.device, "device", "d", "", "filesystem image or block device")
	root.PersistentFlags().StringVarP(&a.partition, "partition", "p", "", "partition of a partitioned image (p0, p1, ...)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.newWriteCmd(),
		a.newReadCmd(),
		a.newClearCmd(),
		a.newLsCmd(),
		a.newStatCmd(),
		a.newInfoCmd(),
		a.newMetadataCmd(),
	)
	return root
}

func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (a *app) open(cmd *cobra.Command, writable bool) (*volume.Volume, error) {
	if a.device == "" {
		return nil, fmt.Errorf("no image given; use --device")
	}
	return volume.Open(a.device, volume.Options{
		Partition: a.partition,
		Writable:  writable,
		Logger:    a.logger(cmd),
	})
}

func (a *app) store() *metadata.Store {
	return metadata.NewStore(a.fs, a.meta)
}

func (a *app) metadataFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&a.meta, "metadata", "m", "metadata.json", "metadata file recording hidden payloads")
}
