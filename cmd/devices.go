package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/m2menc/internal/devices"
	"github.com/spf13/cobra"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List hardware encoders",
		Long:  `Scans /dev for V4L2 memory-to-memory devices that accept raw frames and produce H.264 or HEVC.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := devices.List()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), found, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printDevices(w io.Writer, found []devices.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if found == nil {
			found = []devices.Info{}
		}
		return enc.Encode(found)
	}

	if len(found) == 0 {
		_, err := fmt.Fprintln(w, "no hardware encoders found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tNAME\tDRIVER\tCODECS\tID")
	for _, d := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Path, d.Name, d.Driver, strings.Join(d.Codecs, ","), d.ID)
	}
	return tw.Flush()
}
