package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/smartprobe/probed/pkg/protocol"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream device events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, errs := c.Subscribe(ctx)
			w := cmd.OutOrStdout()
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return nil
					}
					if asJSON {
						data, _ := json.Marshal(e)
						fmt.Fprintln(w, string(data))
						continue
					}
					fmt.Fprintln(w, formatEvent(e))
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "connection lost: %v (reconnecting)\n", err)
					}
				}
			}
		},
	}
}

func formatEvent(e protocol.Event) string {
	line := time.Unix(e.Timestamp, 0).Local().Format(time.TimeOnly) + "  " + e.Type
	if e.Subject != "" {
		line += "  " + e.Subject
	}
	if e.Size > 0 {
		line += "  " + humanize.IBytes(uint64(e.Size))
	}
	if e.Detail != "" {
		line += "  (" + e.Detail + ")"
	}
	return line
}
