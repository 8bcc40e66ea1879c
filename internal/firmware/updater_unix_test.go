//go:build unix

package firmware

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartprobe/probed/internal/shell"
)

func TestApplyCommandSurvivesDisconnect(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "flashed")
	f := newFixture(t, Config{ApplyCmd: `sleep 0.5; cp "$PROBED_FIRMWARE" ` + marker})
	f.updater.run = shell.Run

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := f.updater.Apply(ctx, "fw.bin", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Status != StatusApplied {
		t.Errorf("unexpected status %q", res.Status)
	}
	if data, err := os.ReadFile(marker); err != nil || string(data) != "abc" {
		t.Errorf("apply command did not finish: %q, %v", data, err)
	}
	hist, _ := f.store.List(context.Background(), 1)
	if len(hist) != 1 || hist[0].Status != StatusApplied {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestApplyCommandTimeoutRecordsFailure(t *testing.T) {
	f := newFixture(t, Config{ApplyCmd: "sleep 30 & wait", CmdTimeout: 200 * time.Millisecond})
	f.updater.run = shell.Run

	start := time.Now()
	if _, err := f.updater.Apply(context.Background(), "fw.bin", strings.NewReader("abc")); err == nil {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("apply took %v after its timeout", elapsed)
	}
	hist, _ := f.store.List(context.Background(), 1)
	if len(hist) != 1 || hist[0].Status != StatusFailed || hist[0].Error == "" {
		t.Errorf("unexpected history %+v", hist)
	}
}
