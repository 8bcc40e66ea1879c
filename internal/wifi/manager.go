package wifi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/shell"
)

// Applier hands a newly saved credential to the network stack.
type Applier interface {
	Apply(ctx context.Context, cred Credential) error
}

// CommandApplier runs a shell command with PROBED_SSID and PROBED_PASSWORD
// in its environment, e.g. "nmcli dev wifi connect \"$PROBED_SSID\" password \"$PROBED_PASSWORD\"".
type CommandApplier struct {
	Command string
	Timeout time.Duration
}

// Apply runs the command and returns its combined output on failure.
func (a *CommandApplier) Apply(ctx context.Context, cred Credential) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := shell.Run(ctx, a.Command, []string{"PROBED_SSID=" + cred.SSID, "PROBED_PASSWORD=" + cred.Password})
	if err != nil {
		return fmt.Errorf("connect command: %w: %s", err, out)
	}
	return nil
}

// Manager ties scanning, the credential store and event publication together.
type Manager struct {
	scanner Scanner
	store   *Store
	applier Applier
	events  events.Publisher

	applyMu sync.Mutex // one connect attempt at a time
	pending sync.WaitGroup
}

// NewManager creates a Manager. applier and pub may be nil.
func NewManager(scanner Scanner, store *Store, applier Applier, pub events.Publisher) *Manager {
	return &Manager{scanner: scanner, store: store, applier: applier, events: pub}
}

// Scan returns the networks in range. No networks is an empty slice.
func (m *Manager) Scan(ctx context.Context) ([]Network, error) {
	nets, err := m.scanner.Scan(ctx)
	if err != nil {
		metrics.RecordWifiScan(0, false)
		return nil, err
	}
	if nets == nil {
		nets = []Network{}
	}
	metrics.RecordWifiScan(len(nets), true)
	return nets, nil
}

// Add stores a credential and starts the applier in the background, so the
// connect attempt neither delays the response nor dies with the request. A
// failing applier is logged; the credential stays saved for the next boot.
func (m *Manager) Add(ctx context.Context, ssid, password string) error {
	evicted, err := m.store.Add(ctx, ssid, password)
	if err != nil {
		return err
	}
	log := logging.WithContext(ctx)
	log.Info("wifi credential saved", zap.String("ssid", ssid), zap.Strings("evicted", evicted))
	m.refreshCount(ctx)

	if m.applier != nil {
		cred := Credential{SSID: ssid, Password: password}
		actx := context.WithoutCancel(ctx)
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.applyMu.Lock()
			defer m.applyMu.Unlock()
			if err := m.applier.Apply(actx, cred); err != nil {
				log.Warn("wifi connect failed", zap.String("ssid", ssid), zap.Error(err))
				return
			}
			log.Info("wifi connect started", zap.String("ssid", ssid))
		}()
	}
	m.publish(events.Event{Type: events.EventWifiAdded, Subject: ssid})
	return nil
}

// Wait blocks until background connect attempts have finished.
func (m *Manager) Wait() { m.pending.Wait() }

// Clear removes all stored credentials.
func (m *Manager) Clear(ctx context.Context) error {
	n, err := m.store.Clear(ctx)
	if err != nil {
		return err
	}
	logging.WithContext(ctx).Info("wifi credentials cleared", zap.Int("count", n))
	metrics.SetWifiCredentials(0)
	m.publish(events.Event{Type: events.EventWifiCleared})
	return nil
}

// Saved lists stored networks without their passwords.
func (m *Manager) Saved(ctx context.Context) ([]SavedNetwork, error) {
	creds, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SavedNetwork, 0, len(creds))
	for _, c := range creds {
		out = append(out, SavedNetwork{SSID: c.SSID, Priority: c.Priority, Open: c.Password == ""})
	}
	return out, nil
}

// RefreshMetrics publishes the stored credential count.
func (m *Manager) RefreshMetrics(ctx context.Context) { m.refreshCount(ctx) }

func (m *Manager) refreshCount(ctx context.Context) {
	n, err := m.store.Count(ctx)
	if err != nil {
		logging.Warn("count wifi credentials", zap.Error(err))
		return
	}
	metrics.SetWifiCredentials(n)
}

func (m *Manager) publish(e events.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(e)
}
