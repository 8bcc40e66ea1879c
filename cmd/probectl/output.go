package main

import (
	"encoding/json"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// printJSON writes v as indented JSON when --json is set and reports whether
// it did.
func printJSON(cmd *cobra.Command, v any) (bool, error) {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil || !asJSON {
		return false, err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
