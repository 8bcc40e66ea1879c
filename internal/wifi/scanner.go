package wifi

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Scanner lists the networks currently in range.
type Scanner interface {
	Scan(ctx context.Context) ([]Network, error)
}

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NmcliScanner scans through NetworkManager's nmcli.
type NmcliScanner struct {
	Interface string
	Timeout   time.Duration
	run       runFunc
}

// NewNmcliScanner creates a scanner for iface ("" = any wireless device).
func NewNmcliScanner(iface string) *NmcliScanner {
	return &NmcliScanner{Interface: iface, Timeout: 15 * time.Second, run: runCommand}
}

// Scan runs nmcli in terse mode and parses its output.
func (s *NmcliScanner) Scan(ctx context.Context) ([]Network, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := []string{"-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list"}
	if s.Interface != "" {
		args = append(args, "ifname", s.Interface)
	}
	run := s.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, "nmcli", args...)
	if err != nil {
		return nil, fmt.Errorf("nmcli scan: %w", err)
	}
	return parseNmcli(string(out)), nil
}

// parseNmcli parses "SSID:SIGNAL:SECURITY" lines. nmcli escapes ':' and '\'
// inside fields with a backslash.
func parseNmcli(out string) []Network {
	var nets []Network
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := splitTerse(line)
		if len(fields) < 3 {
			continue
		}
		signal, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		sec := strings.TrimSpace(fields[2])
		nets = append(nets, Network{
			SSID:   fields[0],
			RSSI:   signalToDBm(signal),
			Secure: sec != "" && sec != "--",
		})
	}
	return normalize(nets)
}

func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// signalToDBm converts nmcli's 0-100 quality to dBm.
func signalToDBm(signal int) int {
	if signal < 0 {
		signal = 0
	}
	if signal > 100 {
		signal = 100
	}
	return signal/2 - 100
}

// normalize drops hidden networks, keeps the strongest entry per SSID and
// sorts by signal strength.
func normalize(nets []Network) []Network {
	best := make(map[string]Network, len(nets))
	for _, n := range nets {
		if n.SSID == "" {
			continue
		}
		if cur, ok := best[n.SSID]; !ok || n.RSSI > cur.RSSI {
			best[n.SSID] = n
		}
	}
	out := make([]Network, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}

// StaticScanner returns a fixed list. Used on development hosts without a
// wireless device.
type StaticScanner struct {
	Networks []Network
}

// Scan returns the configured networks.
func (s *StaticScanner) Scan(context.Context) ([]Network, error) {
	return normalize(s.Networks), nil
}
