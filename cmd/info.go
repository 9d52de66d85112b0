package cmd

import (
	"fmt"
	"io"

	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/structure"
	"github.com/lvdlvd/slacker/volume"
)

// Info describes the volume: its partition table when there is one, the
// filesystem type and the decoded boot sector or superblock.
func Info(v *volume.Volume, out io.Writer) error {
	if v.Table != nil {
		fmt.Fprint(out, v.Table.Info())
		fmt.Fprintf(out, "\nSelected partition: %s (offset %d)\n\n", v.Partition.Name, v.Partition.StartOffset())
	}
	fmt.Fprintf(out, "Filesystem type: %s\n", v.FS.Type())
	fmt.Fprintf(out, "Volume size: %d (%s)\n", v.Size(), human(uint64(v.Size())))

	d, ok := v.FS.(fsys.Describer)
	if !ok {
		return nil
	}
	schema, raw, err := d.Describe()
	if err != nil {
		return err
	}
	values, err := structure.Decode(schema, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	for _, f := range schema {
		fmt.Fprintf(out, "%-28s %s\n", f.Name, values[f.Name])
	}
	return nil
}
