package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/smartprobe/probed/pkg/client"
)

// NewSDCmd creates the sd command group.
func NewSDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sd",
		Short: "Browse, download and delete images on the SD card",
	}
	cmd.AddCommand(newSDStatusCmd(), newSDListCmd(), newSDGetCmd(), newSDRmCmd())
	return cmd
}

func newSDStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show image count and card usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := printJSON(cmd, st); done || err != nil {
				return err
			}
			mb := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) + " MB" }
			return renderTable(cmd.OutOrStdout(), []string{"Images", "Image size", "Free", "Used"}, [][]string{
				{strconv.Itoa(st.ImageCount), mb(st.TotalMB), mb(st.FreeMB), mb(st.UsedMB)},
			})
		},
	}
}

func newSDListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List images, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			files, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := printJSON(cmd, files); done || err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No images on the card.")
				return nil
			}
			rows := make([][]string, 0, len(files))
			for _, f := range files {
				rows = append(rows, []string{f.Name, humanize.IBytes(uint64(f.Size)), f.Date})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Name", "Size", "Date"}, rows)
		},
	}
}

func newSDGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>...",
		Short: "Download images into a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			for _, name := range args {
				n, err := download(cmd, c, name, filepath.Join(dir, filepath.Base(name)))
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", name, humanize.IBytes(uint64(n)))
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", ".", "Destination directory")
	return cmd
}

func download(cmd *cobra.Command, c *client.Client, name, dest string) (int64, error) {
	rc, _, err := c.Download(cmd.Context(), name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".probectl-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, os.Rename(tmp.Name(), dest)
}

func newSDRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>...",
		Short: "Delete images",
		Long: `Rm sends one delete request per name, several at a time. Every name is
attempted; failures are listed at the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			out := cmd.ErrOrStderr()
			results := c.DeleteMany(cmd.Context(), args, func(done, total int) {
				fmt.Fprintf(out, "\rDeleting... %d/%d", done, total)
			})
			fmt.Fprintln(out)

			failed := client.Failed(results)
			for _, r := range failed {
				fmt.Fprintf(out, "  %s: %v\n", r.Name, r.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d files\n", len(results)-len(failed), len(results))
			if len(failed) > 0 {
				return errors.New("some files were not deleted")
			}
			return nil
		},
	}
}
