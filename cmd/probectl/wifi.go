package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewWifiCmd creates the wifi command group.
func NewWifiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wifi",
		Short: "Scan for networks and manage saved credentials",
	}
	cmd.AddCommand(newWifiScanCmd(), newWifiSavedCmd(), newWifiAddCmd(), newWifiClearCmd())
	return cmd
}

func newWifiScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List networks in range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			nets, err := c.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := printJSON(cmd, nets); done || err != nil {
				return err
			}
			if len(nets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No networks found.")
				return nil
			}
			rows := make([][]string, 0, len(nets))
			for _, n := range nets {
				security := "open"
				if n.Secure {
					security = "secured"
				}
				rows = append(rows, []string{n.SSID, strconv.Itoa(n.RSSI) + " dBm", security})
			}
			return renderTable(cmd.OutOrStdout(), []string{"SSID", "Signal", "Security"}, rows)
		},
	}
}

func newWifiSavedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "saved",
		Short: "List saved networks, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			saved, err := c.Saved(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := printJSON(cmd, saved); done || err != nil {
				return err
			}
			if len(saved) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No saved networks.")
				return nil
			}
			rows := make([][]string, 0, len(saved))
			for _, n := range saved {
				open := ""
				if n.Open {
					open = "yes"
				}
				rows = append(rows, []string{n.SSID, strconv.FormatInt(n.Priority, 10), open})
			}
			return renderTable(cmd.OutOrStdout(), []string{"SSID", "Priority", "Open"}, rows)
		},
	}
}

func newWifiAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <ssid>",
		Short: "Save a network and connect to it",
		Long: `Add saves a credential. Without --password the network is stored as open.
Saving a known SSID replaces its password and makes it the preferred network.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := cmd.Flags().GetString("password")
			if err != nil {
				return err
			}
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.AddNetwork(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "Network password (8-63 characters)")
	return cmd
}

func newWifiClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget all saved networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.ClearNetworks(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved networks cleared.")
			return nil
		},
	}
}
