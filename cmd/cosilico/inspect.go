package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cosilico/ingest/internal/archive"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect archive.zarr.zip",
	Short: "print the root attributes of an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		r, err := archive.Open(args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		attrs := map[string]any{}
		if err := r.Attrs("", &attrs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d entries, %s\n", args[0], len(r.Keys()), humanize.Bytes(uint64(info.Size())))
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(attrs)
	},
}
