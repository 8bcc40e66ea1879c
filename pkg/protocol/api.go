// Package protocol defines the request/response types of the device HTTP API.
package protocol

import "time"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SuccessResponse is the body of form endpoints. Error is set when Success
// is false.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WifiNetwork is one access point in range. RSSI is in dBm.
type WifiNetwork struct {
	SSID   string `json:"ssid"`
	RSSI   int    `json:"rssi"`
	Secure bool   `json:"secure"`
}

// ScanResponse is returned by GET /wifi_scan.
type ScanResponse struct {
	Networks []WifiNetwork `json:"networks"`
}

// SavedNetwork is a stored credential without its password.
type SavedNetwork struct {
	SSID     string `json:"ssid"`
	Priority int64  `json:"priority"`
	Open     bool   `json:"open"`
}

// SavedResponse is returned by GET /wifi_saved.
type SavedResponse struct {
	Networks []SavedNetwork `json:"networks"`
}

// UpdateResponse is returned by POST /update.
type UpdateResponse struct {
	Success  bool   `json:"success"`
	ID       int64  `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Status   string `json:"status,omitempty"`
}

// UpdateRecord is one entry of the firmware update history.
type UpdateRecord struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse is returned by GET /update_history.
type HistoryResponse struct {
	Updates []UpdateRecord `json:"updates"`
}

// StorageStats is returned by GET /sd_status. Sizes are MiB with one decimal.
type StorageStats struct {
	ImageCount int     `json:"imageCount"`
	TotalMB    float64 `json:"totalMB"`
	FreeMB     float64 `json:"freeMB"`
	UsedMB     float64 `json:"usedMB"`
}

// FileEntry is one image on the card.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Date string `json:"date,omitempty"`
}

// ListResponse is returned by GET /sd_list.
type ListResponse struct {
	Files []FileEntry `json:"files"`
}

// LoginResponse is returned by POST /login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database string `json:"database"`
	Updating bool   `json:"updating"`
}

// Event is one message of the GET /events stream.
type Event struct {
	Type      string `json:"type"`
	Subject   string `json:"subject,omitempty"` // SSID, file name or firmware file name
	Size      int64  `json:"size,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
