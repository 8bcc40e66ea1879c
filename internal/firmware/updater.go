// Package firmware receives firmware images, stages them, hands them to the
// flashing command and keeps an update history.
package firmware

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/shell"
	"github.com/smartprobe/probed/internal/storage"
)

// ImageMagic is the first byte of an ESP application image.
const ImageMagic = 0xE9

var (
	ErrBusy        = errors.New("another update is in progress")
	ErrEmpty       = errors.New("firmware image is empty")
	ErrTooLarge    = errors.New("firmware image too large")
	ErrBadMagic    = errors.New("not a firmware image")
	ErrApplyFailed = errors.New("firmware apply failed")
)

// Config configures an Updater.
type Config struct {
	// StagingRoot is the local directory behind the staging backend; the
	// apply command receives the staged file's path under it.
	StagingRoot string
	MaxSize     int64
	CheckMagic  bool
	ApplyCmd    string
	RebootCmd   string
	RebootDelay time.Duration
	CmdTimeout  time.Duration
}

// Result describes an accepted update.
type Result struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Status   string `json:"status"`
}

// statusTimeout bounds the final history write after an apply.
const statusTimeout = 10 * time.Second

// runFunc runs a shell command with extra environment.
type runFunc func(ctx context.Context, command string, env []string) ([]byte, error)

// Updater accepts one firmware image at a time.
type Updater struct {
	cfg     Config
	staging storage.Backend
	archive storage.Backend
	store   *Store
	events  events.Publisher
	running atomic.Bool
	run     runFunc
}

// NewUpdater creates an Updater. archive and pub may be nil.
func NewUpdater(cfg Config, staging, archive storage.Backend, store *Store, pub events.Publisher) *Updater {
	if cfg.CmdTimeout <= 0 {
		cfg.CmdTimeout = 5 * time.Minute
	}
	if cfg.RebootDelay <= 0 {
		cfg.RebootDelay = 2 * time.Second
	}
	return &Updater{
		cfg:     cfg,
		staging: staging,
		archive: archive,
		store:   store,
		events:  pub,
		run:     shell.Run,
	}
}

// InProgress reports whether an update is being received or applied.
func (u *Updater) InProgress() bool { return u.running.Load() }

// stagedName reduces an uploaded file name to a safe flat name.
func stagedName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "firmware.bin"
	}
	return name
}

// limitReader fails with ErrTooLarge once more than max bytes are read.
type limitReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, ErrTooLarge
	}
	return n, err
}

// Apply stages the image read from r, records it and runs the apply command.
// Only one call runs at a time; others fail with ErrBusy. Once the image is
// staged, cancelling ctx no longer interrupts the apply; it runs to
// completion or CmdTimeout and the record always ends applied or failed.
func (u *Updater) Apply(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	if !u.running.CompareAndSwap(false, true) {
		metrics.RecordFirmwareUpdate(0, "busy")
		return nil, ErrBusy
	}
	defer u.running.Store(false)

	log := logging.WithContext(ctx)
	name := stagedName(filename)

	br := bufio.NewReader(r)
	head, err := br.Peek(1)
	if len(head) == 0 {
		metrics.RecordFirmwareUpdate(0, "rejected")
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read firmware: %w", err)
		}
		return nil, ErrEmpty
	}
	if u.cfg.CheckMagic && head[0] != ImageMagic {
		metrics.RecordFirmwareUpdate(0, "rejected")
		return nil, fmt.Errorf("%w: first byte 0x%02x", ErrBadMagic, head[0])
	}

	h := sha256.New()
	lr := &limitReader{r: br, max: u.cfg.MaxSize}
	if err := u.staging.PutObject(ctx, name, io.TeeReader(lr, h), -1); err != nil {
		if errors.Is(err, ErrTooLarge) {
			metrics.RecordFirmwareUpdate(lr.n, "rejected")
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, u.cfg.MaxSize)
		}
		metrics.RecordFirmwareUpdate(lr.n, "failed")
		return nil, fmt.Errorf("stage firmware: %w", err)
	}

	// The body is fully read; the apply outlives the request.
	actx := context.WithoutCancel(ctx)

	rec := &Record{Filename: name, Size: lr.n, SHA256: hex.EncodeToString(h.Sum(nil)), Status: StatusStaged}
	if _, err := u.store.Insert(actx, rec); err != nil {
		metrics.RecordFirmwareUpdate(rec.Size, "failed")
		return nil, err
	}
	log.Info("firmware staged", zap.String("file", name), zap.Int64("size", rec.Size), zap.String("sha256", rec.SHA256))
	u.publish(events.Event{Type: events.EventUpdateStaged, Subject: name, Size: rec.Size})

	if err := u.applyStaged(actx, name, rec); err != nil {
		u.setStatus(actx, rec.ID, StatusFailed, err.Error())
		log.Error("firmware apply failed", zap.String("file", name), zap.Error(err))
		metrics.RecordFirmwareUpdate(rec.Size, "failed")
		u.publish(events.Event{Type: events.EventUpdateFailed, Subject: name, Detail: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	u.setStatus(actx, rec.ID, StatusApplied, "")
	rec.Status = StatusApplied
	metrics.RecordFirmwareUpdate(rec.Size, "applied")
	u.publish(events.Event{Type: events.EventUpdateApplied, Subject: name, Size: rec.Size})
	u.archiveImage(name, rec)
	u.scheduleReboot()

	return &Result{ID: rec.ID, Filename: name, Size: rec.Size, SHA256: rec.SHA256, Status: rec.Status}, nil
}

// setStatus records the outcome of an apply on its own deadline.
func (u *Updater) setStatus(ctx context.Context, id int64, status, errText string) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	if err := u.store.SetStatus(ctx, id, status, errText); err != nil {
		logging.WithContext(ctx).Error("record update status", zap.Int64("id", id), zap.String("status", status), zap.Error(err))
	}
}

func (u *Updater) applyStaged(ctx context.Context, name string, rec *Record) error {
	if u.cfg.ApplyCmd == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.CmdTimeout)
	defer cancel()

	env := []string{
		"PROBED_FIRMWARE=" + filepath.Join(u.cfg.StagingRoot, name),
		"PROBED_FIRMWARE_SHA256=" + rec.SHA256,
		fmt.Sprintf("PROBED_FIRMWARE_SIZE=%d", rec.Size),
	}
	out, err := u.run(ctx, u.cfg.ApplyCmd, env)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}

// archiveImage copies the staged image to the archive backend in the
// background, keyed by its hash.
func (u *Updater) archiveImage(name string, rec *Record) {
	if u.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), u.cfg.CmdTimeout)
		defer cancel()

		rc, size, err := u.staging.GetObject(ctx, name, 0, 0)
		if err != nil {
			logging.Warn("firmware archive read failed", zap.String("file", name), zap.Error(err))
			return
		}
		defer rc.Close()
		key := rec.SHA256[:12] + "-" + name
		if err := u.archive.PutObject(ctx, key, rc, size); err != nil {
			logging.Warn("firmware archive failed", zap.String("key", key), zap.Error(err))
			return
		}
		logging.Info("firmware archived", zap.String("key", key))
	}()
}

func (u *Updater) scheduleReboot() {
	if u.cfg.RebootCmd == "" {
		return
	}
	time.AfterFunc(u.cfg.RebootDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), u.cfg.CmdTimeout)
		defer cancel()
		logging.Info("rebooting after firmware update")
		if out, err := u.run(ctx, u.cfg.RebootCmd, nil); err != nil {
			logging.Error("reboot command failed", zap.Error(err), zap.ByteString("output", out))
		}
	})
}

// History returns recent update records, newest first.
func (u *Updater) History(ctx context.Context, limit int) ([]Record, error) {
	return u.store.List(ctx, limit)
}

func (u *Updater) publish(e events.Event) {
	if u.events != nil {
		u.events.Publish(e)
	}
}
