// Package main provides probectl, a command-line client for probed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://192.168.4.1"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probectl",
		Short: "Manage a probe's Wi-Fi, firmware and SD card",
		Long: `probectl talks to the HTTP API of a probe running probed.

The device address defaults to $PROBED_ADDR, then ` + defaultAddr + `.
When the device has an admin password, run 'probectl login' once; the
session token is kept in the XDG state directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr := os.Getenv("PROBED_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	cmd.PersistentFlags().String("addr", addr, "Device base URL")
	cmd.PersistentFlags().Duration("timeout", 0, "Request timeout (default 30s)")
	cmd.PersistentFlags().Bool("json", false, "Print raw JSON")

	cmd.AddCommand(NewLoginCmd())
	cmd.AddCommand(NewWifiCmd())
	cmd.AddCommand(NewUpdateCmd())
	cmd.AddCommand(NewSDCmd())
	cmd.AddCommand(NewWatchCmd())
	return cmd
}
