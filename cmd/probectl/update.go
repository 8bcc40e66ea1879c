package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewUpdateCmd creates the update command.
func NewUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <firmware.bin>",
		Short: "Upload a firmware image",
		Long: `Update uploads a firmware image. The device flashes it and reboots
when it is configured to do so. Only one update runs at a time.

Examples:
  probectl update build/probe.bin
  probectl update --history`,
		Args: func(cmd *cobra.Command, args []string) error {
			if h, _ := cmd.Flags().GetBool("history"); h {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: runUpdateCmd,
	}
	cmd.Flags().Bool("history", false, "List recent updates instead of uploading")
	cmd.Flags().Int("limit", 20, "Number of history entries")
	return cmd
}

func runUpdateCmd(cmd *cobra.Command, args []string) error {
	c, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	if h, _ := cmd.Flags().GetBool("history"); h {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		recs, err := c.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if done, err := printJSON(cmd, recs); done || err != nil {
			return err
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				strconv.FormatInt(r.ID, 10),
				r.CreatedAt.Local().Format(time.DateTime),
				r.Filename,
				humanize.IBytes(uint64(r.Size)),
				r.Status,
				r.Error,
			})
		}
		return renderTable(cmd.OutOrStdout(), []string{"ID", "When", "File", "Size", "Status", "Error"}, rows)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	resp, err := c.UploadFirmware(cmd.Context(), filepath.Base(args[0]), f)
	if err != nil {
		return err
	}
	if done, err := printJSON(cmd, resp); done || err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) in %s, status %s\nsha256 %s\n",
		resp.Filename, humanize.IBytes(uint64(resp.Size)),
		time.Since(start).Round(time.Millisecond), resp.Status, resp.SHA256)
	return nil
}
