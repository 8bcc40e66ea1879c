package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartprobe/probed/internal/auth"
	"github.com/smartprobe/probed/internal/database"
	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/firmware"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/ratelimit"
	"github.com/smartprobe/probed/internal/sdcard"
	"github.com/smartprobe/probed/internal/storage/local"
	"github.com/smartprobe/probed/internal/wifi"
	"github.com/smartprobe/probed/pkg/protocol"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type testEnv struct {
	server  *Server
	handler http.Handler
	cardDir string
	updater *firmware.Updater
	events  *events.Broadcaster
}

type envOptions struct {
	scanner  wifi.Scanner
	auth     *auth.Auth
	limiter  *ratelimit.Limiter
	maxImage int64
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	sealer, err := wifi.NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if opts.scanner == nil {
		opts.scanner = &wifi.StaticScanner{}
	}
	bc := events.NewBroadcaster()
	mgr := wifi.NewManager(opts.scanner, wifi.NewStore(db, sealer, 5), nil, bc)

	cardDir := t.TempDir()
	card, err := local.New(local.Config{RootPath: cardDir})
	if err != nil {
		t.Fatal(err)
	}
	browser := sdcard.NewBrowser(card, sdcard.Config{}, bc)

	if opts.maxImage == 0 {
		opts.maxImage = 1024
	}
	stagingDir := t.TempDir()
	staging, err := local.New(local.Config{RootPath: stagingDir})
	if err != nil {
		t.Fatal(err)
	}
	updater := firmware.NewUpdater(firmware.Config{
		StagingRoot: stagingDir,
		MaxSize:     opts.maxImage,
		CheckMagic:  true,
	}, staging, nil, firmware.NewStore(db), bc)

	srv := NewServer(Deps{
		Wifi:            mgr,
		Card:            browser,
		CardBackend:     card,
		Updater:         updater,
		Auth:            opts.auth,
		Limiter:         opts.limiter,
		Broadcaster:     bc,
		DB:              db,
		MaxFirmwareSize: opts.maxImage,
	})
	return &testEnv{server: srv, handler: srv.Handler(), cardDir: cardDir, updater: updater, events: bc}
}

func (e *testEnv) writeCard(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.cardDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func firmwareRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/update", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type failingScanner struct{}

func (failingScanner) Scan(context.Context) ([]wifi.Network, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestWifiScanEmptyIsNotAnError(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.get("/wifi_scan")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"networks":[]}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestWifiScanNetworks(t *testing.T) {
	env := newTestEnv(t, envOptions{scanner: &wifi.StaticScanner{Networks: []wifi.Network{
		{SSID: "Home", RSSI: -40, Secure: true},
		{SSID: "Cafe", RSSI: -70},
	}}})
	resp := decode[protocol.ScanResponse](t, env.get("/wifi_scan"))
	if len(resp.Networks) != 2 || resp.Networks[0].SSID != "Home" || !resp.Networks[0].Secure {
		t.Errorf("unexpected networks %+v", resp.Networks)
	}
}

func TestWifiScanFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{scanner: failingScanner{}})
	rec := env.get("/wifi_scan")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if e := decode[protocol.ErrorResponse](t, rec); e.Code != http.StatusServiceUnavailable {
		t.Errorf("unexpected error body %+v", e)
	}
}

func TestWifiAddSavedClear(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.postForm("/wifi_add", url.Values{"ssid": {"Home"}, "password": {"hunter2hunter2"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("wifi_add: %d %s", rec.Code, rec.Body)
	}
	if !decode[protocol.SuccessResponse](t, rec).Success {
		t.Error("expected success")
	}
	env.postForm("/wifi_add", url.Values{"ssid": {"Guest"}})

	rec = env.get("/wifi_saved")
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatal("saved list must not expose passwords")
	}
	saved := decode[protocol.SavedResponse](t, rec)
	if len(saved.Networks) != 2 || saved.Networks[0].SSID != "Guest" || !saved.Networks[0].Open {
		t.Errorf("unexpected saved list %+v", saved.Networks)
	}

	if rec := env.postForm("/wifi_clear", nil); rec.Code != http.StatusOK {
		t.Fatalf("wifi_clear: %d", rec.Code)
	}
	if got := strings.TrimSpace(env.get("/wifi_saved").Body.String()); got != `{"networks":[]}` {
		t.Errorf("expected empty saved list, got %s", got)
	}
}

func TestWifiAddInvalid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []url.Values{
		{"ssid": {""}},
		{"ssid": {strings.Repeat("x", 33)}},
		{"ssid": {"Home"}, "password": {"short"}},
	}
	for _, form := range tests {
		if rec := env.postForm("/wifi_add", form); rec.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", form, rec.Code)
		}
	}
}

func TestSDListEmpty(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.get("/sd_list")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"files":[]}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestSDStatusAndList(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.writeCard(t, "a.png", "pngdata")
	env.writeCard(t, "notes.txt", "skip me")

	stats := decode[protocol.StorageStats](t, env.get("/sd_status"))
	if stats.ImageCount != 1 {
		t.Errorf("expected 1 image, got %+v", stats)
	}
	list := decode[protocol.ListResponse](t, env.get("/sd_list"))
	if len(list.Files) != 1 || list.Files[0].Name != "a.png" || list.Files[0].Size != 7 {
		t.Errorf("unexpected list %+v", list.Files)
	}
}

func TestSDDownload(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.writeCard(t, "a.png", "pngdata")

	rec := env.get("/sd_download?file=a.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "pngdata" {
		t.Errorf("unexpected body %q", rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Errorf("expected inline disposition, got %q", cd)
	}

	rec = env.get("/sd_download?download=1&file=a.png")
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=a.png` {
		t.Errorf("unexpected disposition %q", cd)
	}

	req := httptest.NewRequest(http.MethodGet, "/sd_download?file=a.png", nil)
	req.Header.Set("Range", "bytes=0-2")
	rec = env.do(req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "png" {
		t.Errorf("range: %d %q", rec.Code, rec.Body)
	}
}

func TestSDDownloadErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		target string
		want   int
	}{
		{"/sd_download", http.StatusBadRequest},
		{"/sd_download?file=missing.jpg", http.StatusNotFound},
		{"/sd_download?file=" + url.QueryEscape("../etc/passwd"), http.StatusBadRequest},
		{"/sd_download?file=..", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := env.get(tt.target); rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.target, tt.want, rec.Code)
		}
	}
}

func TestSDDownloadIgnoresSymlinks(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	outside := filepath.Join(t.TempDir(), "secret.png")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(env.cardDir, "link.png")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if rec := env.get("/sd_download?file=link.png"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for symlink, got %d %s", rec.Code, rec.Body)
	}
	list := decode[protocol.ListResponse](t, env.get("/sd_list"))
	if len(list.Files) != 0 {
		t.Errorf("symlink should not be listed: %+v", list.Files)
	}
}

func TestSDDelete(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.writeCard(t, "a.png", "pngdata")

	rec := env.postForm("/sd_delete", url.Values{"file": {"a.png"}})
	if rec.Code != http.StatusOK || !decode[protocol.SuccessResponse](t, rec).Success {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	if _, err := os.Stat(filepath.Join(env.cardDir, "a.png")); !os.IsNotExist(err) {
		t.Error("file should be gone")
	}

	rec = env.postForm("/sd_delete", url.Values{"file": {"a.png"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for operation failure, got %d", rec.Code)
	}
	res := decode[protocol.SuccessResponse](t, rec)
	if res.Success || res.Error == "" {
		t.Errorf("expected failure with error text, got %+v", res)
	}

	if rec := env.postForm("/sd_delete", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing file: expected 400, got %d", rec.Code)
	}
	if rec := env.postForm("/sd_delete", url.Values{"file": {"../a.png"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("traversal: expected 400, got %d", rec.Code)
	}
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(firmwareRequest(t, UpdateField, "probe.bin", []byte{firmware.ImageMagic, 1, 2}))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	res := decode[protocol.UpdateResponse](t, rec)
	if !res.Success || res.Size != 3 || res.Filename != "probe.bin" || res.Status != firmware.StatusApplied {
		t.Errorf("unexpected response %+v", res)
	}

	hist := decode[protocol.HistoryResponse](t, env.get("/update_history"))
	if len(hist.Updates) != 1 || hist.Updates[0].SHA256 != res.SHA256 {
		t.Errorf("unexpected history %+v", hist.Updates)
	}
}

func TestUpdateRejects(t *testing.T) {
	env := newTestEnv(t, envOptions{maxImage: 16})
	tests := []struct {
		name  string
		field string
		data  []byte
		want  int
	}{
		{"missing field", "file", []byte{firmware.ImageMagic}, http.StatusBadRequest},
		{"empty", UpdateField, nil, http.StatusBadRequest},
		{"bad magic", UpdateField, []byte("MZ"), http.StatusBadRequest},
		{"too large", UpdateField, append([]byte{firmware.ImageMagic}, make([]byte, 32)...), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(firmwareRequest(t, tt.field, "fw.bin", tt.data))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/update", strings.NewReader("raw"))
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("non-multipart: expected 400, got %d", rec.Code)
	}
}

func TestUpdateBusy(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := env.updater.Apply(context.Background(), "first.bin", pr)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !env.updater.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("first update never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := env.do(firmwareRequest(t, UpdateField, "second.bin", []byte{firmware.ImageMagic}))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	pw.Write([]byte{firmware.ImageMagic, 9})
	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func TestAuthGuardsMutations(t *testing.T) {
	a, err := auth.New("letmein", "test-secret")
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, envOptions{auth: a})

	if rec := env.postForm("/wifi_add", url.Values{"ssid": {"Home"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.postForm("/sd_delete", url.Values{"file": {"a.png"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.get("/sd_list"); rec.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rec.Code)
	}

	login := env.postForm("/login", url.Values{"password": {"letmein"}})
	if login.Code != http.StatusOK {
		t.Fatalf("login: %d", login.Code)
	}
	cookies := login.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	req := httptest.NewRequest(http.MethodPost, "/wifi_add", strings.NewReader("ssid=Home"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookies[0])
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Errorf("authenticated add: %d %s", rec.Code, rec.Body)
	}
}

func TestRateLimitedMutations(t *testing.T) {
	env := newTestEnv(t, envOptions{limiter: ratelimit.New(1)})
	if rec := env.postForm("/wifi_clear", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := env.postForm("/wifi_clear", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec := env.get("/wifi_saved"); rec.Code != http.StatusOK {
		t.Errorf("reads are not limited, got %d", rec.Code)
	}
}

func TestPagesAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		target string
		want   string
	}{
		{"/", "/sd_list"},
		{"/settings", "/wifi_scan"},
		{"/assets/app.js", "fetch"},
	}
	for _, tt := range tests {
		rec := env.get(tt.target)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), tt.want) {
			t.Errorf("%s: %d, body missing %q", tt.target, rec.Code, tt.want)
		}
	}

	health := decode[protocol.HealthResponse](t, env.get("/health"))
	if health.Status != "ok" || health.Backend != "local" || health.Updating {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()

	for env.events.Count() == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	form := url.Values{"ssid": {"Home"}}
	post, err := http.PostForm(ts.URL+"/wifi_add", form)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: "+events.EventWifiAdded {
			return
		}
	}
	t.Fatalf("no wifi_added event received: %v", sc.Err())
}
