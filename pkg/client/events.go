package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smartprobe/probed/pkg/protocol"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Subscribe streams device events from GET /events, reconnecting with
// backoff until ctx is done. Connection errors are reported on the second
// channel without stopping the stream. Both channels close when ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan protocol.Event, <-chan error) {
	events := make(chan protocol.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		delay := reconnectMin
		for ctx.Err() == nil {
			received, err := c.stream(ctx, events)
			if ctx.Err() != nil {
				return
			}
			if received {
				delay = reconnectMin
			}
			select {
			case errs <- err:
			default:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMax)
		}
	}()
	return events, errs
}

// stream reads one connection. It reports whether any event arrived.
func (c *Client) stream(ctx context.Context, out chan<- protocol.Event) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.applyAuth(req)

	// The stream outlives the client's request timeout.
	resp, err := c.untimed().Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return false, err
	}

	received := false
	var data string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			var e protocol.Event
			if err := json.Unmarshal([]byte(data), &e); err == nil {
				select {
				case out <- e:
					received = true
				case <-ctx.Done():
					return received, nil
				}
			}
			data = ""
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, fmt.Errorf("connection closed")
}
