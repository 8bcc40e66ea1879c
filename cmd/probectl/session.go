package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smartprobe/probed/pkg/client"
)

// session is the token saved by 'probectl login'.
type session struct {
	Addr      string    `json:"addr"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var sessionFile = filepath.Join("probectl", "session.json")

func sessionPath() (string, error) {
	return xdg.StateFile(sessionFile)
}

func loadSession(addr string) string {
	p, err := xdg.SearchStateFile(sessionFile)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var s session
	if json.Unmarshal(data, &s) != nil || s.Addr != addr || time.Now().After(s.ExpiresAt) {
		return ""
	}
	return s.Token
}

func saveSession(s session) error {
	p, err := sessionPath()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

// newClient builds a client from the persistent flags and any saved session.
func newClient(cmd *cobra.Command) (*client.Client, string, error) {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, "", err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, "", err
	}
	return client.New(client.Config{
		BaseURL:   addr,
		Timeout:   timeout,
		AuthToken: loadSession(addr),
	}), addr, nil
}

// NewLoginCmd creates the login command.
func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the device admin password",
		Long: `Login reads the admin password from $PROBED_PASSWORD, or else prompts for
it without echo on a terminal, or else reads the first line of standard input.
The session token is saved for later commands.

Examples:
  PROBED_PASSWORD=secret probectl login
  pass show probe | probectl login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, addr, err := newClient(cmd)
			if err != nil {
				return err
			}
			password := os.Getenv("PROBED_PASSWORD")
			if password == "" {
				if password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			resp, err := c.Login(cmd.Context(), password)
			if err != nil {
				return err
			}
			if resp.Token == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Device has no admin password; nothing to do.")
				return nil
			}
			if err := saveSession(session{Addr: addr, Token: resp.Token, ExpiresAt: resp.ExpiresAt}); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in until %s\n", resp.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "forget",
		Short: "Remove the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := sessionPath()
			if err != nil {
				return err
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	})
	return cmd
}

// readPassword prompts without echo when in is a terminal and otherwise
// reads one line.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(password) == 0 {
			return "", errors.New("empty password")
		}
		return string(password), nil
	}

	sc := bufio.NewScanner(in)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no password given on stdin")
	}
	return sc.Text(), nil
}
