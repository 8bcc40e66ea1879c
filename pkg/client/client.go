// Package client is a Go client for the probe's HTTP API. Reads are retried
// on transport errors and 5xx responses; writes are sent exactly once.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smartprobe/probed/pkg/protocol"
	"github.com/smartprobe/probed/pkg/retry"
)

// Client talks to one probe.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	concurrency int

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	// Concurrency bounds DeleteMany. Defaults to 4.
	Concurrency int
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: cfg.Concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		concurrency: cfg.Concurrency,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the session token sent as a bearer token.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// checkResponse turns a non-2xx response into an APIError, reading the JSON
// error body when there is one.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// getJSON fetches path into v with retries.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			if resp.StatusCode >= 500 {
				return retry.Retryable(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
}

// post sends one request and decodes the JSON reply into v when v is not nil.
func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, v any) error {
	return c.postWith(ctx, c.httpClient, path, contentType, body, v)
}

// untimed returns a copy of the HTTP client without the request timeout,
// for calls bounded only by ctx.
func (c *Client) untimed() *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}

func (c *Client) postWith(ctx context.Context, hc *http.Client, path, contentType string, body io.Reader, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.applyAuth(req)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, v any) error {
	return c.post(ctx, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), v)
}

// Login exchanges the admin password for a session token and uses it for
// later requests.
func (c *Client) Login(ctx context.Context, password string) (*protocol.LoginResponse, error) {
	var resp protocol.LoginResponse
	if err := c.postForm(ctx, "/login", url.Values{"password": {password}}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.Token != "" {
		c.SetAuthToken(resp.Token)
	}
	return &resp, nil
}

// Health returns the device health summary.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var resp protocol.HealthResponse
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Wi-Fi ──────────────────────────────────────────────────────────────────

// Scan lists networks in range. No networks is an empty slice, not an error.
func (c *Client) Scan(ctx context.Context) ([]protocol.WifiNetwork, error) {
	var resp protocol.ScanResponse
	if err := c.getJSON(ctx, "/wifi_scan", &resp); err != nil {
		return nil, err
	}
	if resp.Networks == nil {
		resp.Networks = []protocol.WifiNetwork{}
	}
	return resp.Networks, nil
}

// Saved lists stored networks.
func (c *Client) Saved(ctx context.Context) ([]protocol.SavedNetwork, error) {
	var resp protocol.SavedResponse
	if err := c.getJSON(ctx, "/wifi_saved", &resp); err != nil {
		return nil, err
	}
	return resp.Networks, nil
}

// AddNetwork stores a Wi-Fi credential. An empty password adds an open network.
func (c *Client) AddNetwork(ctx context.Context, ssid, password string) error {
	return c.postForm(ctx, "/wifi_add", url.Values{"ssid": {ssid}, "password": {password}}, nil)
}

// ClearNetworks removes every stored credential.
func (c *Client) ClearNetworks(ctx context.Context) error {
	return c.postForm(ctx, "/wifi_clear", nil, nil)
}

// ─── Firmware ───────────────────────────────────────────────────────────────

// UploadFirmware streams an image as the "update" multipart field.
func (c *Client) UploadFirmware(ctx context.Context, filename string, r io.Reader) (*protocol.UpdateResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("update", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	// The device answers only after flashing, which can outlast the
	// request timeout.
	var resp protocol.UpdateResponse
	err := c.postWith(ctx, c.untimed(), "/update", mw.FormDataContentType(), pr, &resp)
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("upload firmware: %w", err)
	}
	return &resp, nil
}

// History lists recent firmware updates, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.UpdateRecord, error) {
	path := "/update_history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp protocol.HistoryResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

// ─── SD card ────────────────────────────────────────────────────────────────

// Status returns the card summary.
func (c *Client) Status(ctx context.Context) (*protocol.StorageStats, error) {
	var resp protocol.StorageStats
	if err := c.getJSON(ctx, "/sd_status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the images on the card. An empty card is an empty slice.
func (c *Client) List(ctx context.Context) ([]protocol.FileEntry, error) {
	var resp protocol.ListResponse
	if err := c.getJSON(ctx, "/sd_list", &resp); err != nil {
		return nil, err
	}
	if resp.Files == nil {
		resp.Files = []protocol.FileEntry{}
	}
	return resp.Files, nil
}

// Download opens a card file. The caller closes the reader. The size is -1
// when the server does not send a length.
func (c *Client) Download(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	target := c.baseURL + "/sd_download?" + url.Values{"file": {name}, "download": {"1"}}.Encode()
	d, err := retry.DoWithResult(ctx, c.retryConfig, func() (*download, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		if err := checkResponse(resp); err != nil {
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return &download{ReadCloser: resp.Body, size: resp.ContentLength}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return d.ReadCloser, d.size, nil
}

type download struct {
	io.ReadCloser
	size int64
}

// DeleteError is a delete the device refused, with its reason.
type DeleteError struct {
	Name   string
	Reason string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s: %s", e.Name, e.Reason)
}

// Delete removes one card file.
func (c *Client) Delete(ctx context.Context, name string) error {
	var resp protocol.SuccessResponse
	if err := c.postForm(ctx, "/sd_delete", url.Values{"file": {name}}, &resp); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "unknown error"
		}
		return &DeleteError{Name: name, Reason: reason}
	}
	return nil
}
