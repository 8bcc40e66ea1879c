// Package wifi manages nearby network discovery and the stored list of
// Wi-Fi credentials the probe joins on boot.
package wifi

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/smartprobe/probed/pkg/protocol"
)

// Limits from IEEE 802.11 and WPA2-PSK.
const (
	MaxSSIDLen     = 32
	MinPasswordLen = 8
	MaxPasswordLen = 63
)

var (
	// ErrInvalidSSID is returned for an empty or oversized SSID.
	ErrInvalidSSID = errors.New("invalid ssid")
	// ErrInvalidPassword is returned for a password outside 8..63 characters.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrNotStored is returned when looking up an SSID that is not saved.
	ErrNotStored = errors.New("network not stored")
)

// Network is one access point seen by a scan.
type Network = protocol.WifiNetwork

// SavedNetwork is a stored credential as shown to clients.
type SavedNetwork = protocol.SavedNetwork

// Credential is a stored network. Password is plaintext in memory only.
type Credential struct {
	SSID      string    `json:"ssid"`
	Password  string    `json:"-"`
	Priority  int64     `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks an SSID/password pair before it is stored. An empty
// password denotes an open network.
func Validate(ssid, password string) error {
	if ssid == "" || len(ssid) > MaxSSIDLen {
		return fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidSSID, MaxSSIDLen)
	}
	if password == "" {
		return nil
	}
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLen || n > MaxPasswordLen {
		return fmt.Errorf("%w: must be empty or %d-%d characters", ErrInvalidPassword, MinPasswordLen, MaxPasswordLen)
	}
	return nil
}
