package sdcard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/storage"
	"github.com/smartprobe/probed/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	m.Run()
}

// memBackend is an in-memory storage.Backend with fixed usage figures.
type memBackend struct {
	objects map[string][]byte
	mod     map[string]time.Time
	usage   storage.Usage
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}, mod: map[string]time.Time{}}
}

func (m *memBackend) add(name string, size int, mod time.Time) {
	m.objects[name] = make([]byte, size)
	m.mod[name] = mod
}

func (m *memBackend) GetObject(_ context.Context, key string, _, _ int64) (io.ReadCloser, int64, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	m.objects[key] = data
	m.mod[key] = time.Now()
	return err
}

func (m *memBackend) DeleteObject(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memBackend) StatObject(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, fs.ErrNotExist)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), ModTime: m.mod[key]}, nil
}

func (m *memBackend) ListObjects(context.Context, string) ([]storage.ObjectInfo, error) {
	out := []storage.ObjectInfo{}
	for k, v := range m.objects {
		out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v)), ModTime: m.mod[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memBackend) Usage(context.Context) (storage.Usage, error) { return m.usage, nil }
func (m *memBackend) Type() string                               { return "mem" }
func (m *memBackend) Close() error                               { return nil }

type recordingPublisher struct{ events []events.Event }

func (p *recordingPublisher) Publish(e events.Event) { p.events = append(p.events, e) }

func TestStatusExample(t *testing.T) {
	const imagesBytes = 47395636 // 45.2 MiB
	mb := newMemBackend()
	per := imagesBytes / 12
	now := time.Now()
	for i := 0; i < 12; i++ {
		size := per
		if i == 11 {
			size = imagesBytes - per*11
		}
		mb.add(fmt.Sprintf("IMG_%03d.png", i), size, now)
	}
	mb.add("notes.txt", 5000, now)
	mb.usage = storage.Usage{Total: 900*bytesPerMB + imagesBytes, Free: 900 * bytesPerMB}

	st, err := NewBrowser(mb, Config{}, nil).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	data, _ := json.Marshal(st)
	want := `{"imageCount":12,"totalMB":45.2,"freeMB":900,"usedMB":45.2}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestListEmpty(t *testing.T) {
	files, err := NewBrowser(newMemBackend(), Config{}, nil).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	data, _ := json.Marshal(map[string]any{"files": files})
	if string(data) != `{"files":[]}` {
		t.Errorf("expected empty array, got %s", data)
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	mb := newMemBackend()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	mb.add("old.PNG", 10, base)
	mb.add("new.gif", 20, base.Add(time.Hour))
	mb.add("b.bmp", 30, base)
	mb.add("readme.txt", 40, base.Add(2*time.Hour))

	files, err := NewBrowser(mb, Config{}, nil).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "new.gif,b.bmp,old.PNG" {
		t.Errorf("unexpected order %v", names)
	}
	if files[0].Date != "2024-05-01 13:00:00" || files[0].Size != 20 {
		t.Errorf("unexpected entry %+v", files[0])
	}
}

func TestListedNamesAreAddressable(t *testing.T) {
	mb := newMemBackend()
	now := time.Now()
	mb.add("a:b.jpg", 3, now)
	mb.add(`odd\name.jpg`, 3, now)
	mb.add("ctrl\x01.jpg", 3, now)
	b := NewBrowser(mb, Config{}, nil)
	ctx := context.Background()

	files, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "a:b.jpg" {
		t.Fatalf("unexpected files %+v", files)
	}
	for _, f := range files {
		file, err := b.Open(ctx, f.Name)
		if err != nil {
			t.Errorf("listed %q cannot be opened: %v", f.Name, err)
			continue
		}
		file.Close()
		if err := b.Delete(ctx, f.Name); err != nil {
			t.Errorf("listed %q cannot be deleted: %v", f.Name, err)
		}
	}
}

func TestListCustomExtensions(t *testing.T) {
	mb := newMemBackend()
	mb.add("a.raw", 1, time.Now())
	mb.add("b.jpg", 1, time.Now())
	files, _ := NewBrowser(mb, Config{ImageExts: []string{"raw"}}, nil).List(context.Background())
	if len(files) != 1 || files[0].Name != "a.raw" {
		t.Errorf("unexpected files %+v", files)
	}
}

func TestDelete(t *testing.T) {
	mb := newMemBackend()
	mb.add("a.jpg", 3, time.Now())
	pub := &recordingPublisher{}
	b := NewBrowser(mb, Config{}, pub)
	ctx := context.Background()

	if err := b.Delete(ctx, "/a.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := mb.objects["a.jpg"]; ok {
		t.Error("file still present")
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.EventFileDeleted || pub.events[0].Size != 3 {
		t.Errorf("unexpected events %+v", pub.events)
	}

	if err := b.Delete(ctx, "a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, "../etc/passwd"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	mb := newMemBackend()
	mb.add("a.jpg", 7, time.Now())
	b := NewBrowser(mb, Config{}, nil)

	f, err := b.Open(context.Background(), "a.jpg")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if f.Size != 7 || f.ContentType != "image/jpeg" {
		t.Errorf("unexpected file %+v", f)
	}

	if _, err := b.Open(context.Background(), "missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"IMG_0001.JPG", "IMG_0001.JPG", false},
		{"/IMG_0001.JPG", "IMG_0001.JPG", false},
		{"photo 1.png", "photo 1.png", false},
		{"", "", true},
		{"/", "", true},
		{"..", "", true},
		{"../x.jpg", "", true},
		{"dir/x.jpg", "", true},
		{"dir\\x.jpg", "", true},
		{"a\x00.jpg", "", true},
		{"a\n.jpg", "", true},
		{"a?.jpg", "a?.jpg", false},
		{`a:b "c".jpg`, `a:b "c".jpg`, false},
		{strings.Repeat("a", 256), "", true},
	}
	for _, tt := range tests {
		got, err := CleanName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidName) {
			t.Errorf("CleanName(%q) error should wrap ErrInvalidName", tt.in)
		}
		if got != tt.want {
			t.Errorf("CleanName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThumbnail(t *testing.T) {
	dir := t.TempDir()
	lb, err := local.New(local.Config{RootPath: dir})
	if err != nil {
		t.Fatal(err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	for x := 0; x < 800; x++ {
		for y := 0; y < 400; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := lb.PutObject(ctx, "wide.png", bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		t.Fatal(err)
	}
	if err := lb.PutObject(ctx, "notes.txt", strings.NewReader("hi"), 2); err != nil {
		t.Fatal(err)
	}

	b := NewBrowser(lb, Config{ThumbMaxSize: 100}, nil)
	data, err := b.Thumbnail(ctx, "wide.png")
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if format != "jpeg" || cfg.Width != 100 || cfg.Height != 50 {
		t.Errorf("unexpected thumbnail %s %dx%d", format, cfg.Width, cfg.Height)
	}

	if _, err := b.Thumbnail(ctx, "notes.txt"); !errors.Is(err, ErrNotImage) {
		t.Errorf("expected ErrNotImage, got %v", err)
	}
	if _, err := b.Thumbnail(ctx, "missing.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyOrientation(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	if got := applyOrientation(img, 6).Bounds(); got.Dx() != 2 || got.Dy() != 4 {
		t.Errorf("orientation 6 should swap dimensions, got %v", got)
	}
	if got := applyOrientation(img, 1).Bounds(); got.Dx() != 4 {
		t.Errorf("orientation 1 should be identity, got %v", got)
	}
}
