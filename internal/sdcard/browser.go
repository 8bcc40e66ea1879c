// Package sdcard implements the browser over the probe's removable card:
// capacity figures, the image listing, downloads, thumbnails and deletion.
package sdcard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/storage"
	"github.com/smartprobe/probed/pkg/protocol"
)

// DateLayout is the format of FileEntry.Date.
const DateLayout = "2006-01-02 15:04:05"

const (
	bytesPerMB = 1024 * 1024
	// exifProbeLimit bounds how much of a file is read looking for EXIF.
	exifProbeLimit = 256 << 10
	// maxThumbSource bounds the size of an image decoded for a thumbnail.
	maxThumbSource = 32 << 20
	exifCacheSize  = 4096
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
	ErrNotImage    = errors.New("not an image")
)

// DefaultImageExts are the extensions listed when none are configured.
var DefaultImageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// FileEntry is one image on the card.
type FileEntry = protocol.FileEntry

// Stats summarizes the card. TotalMB is the size of the images; FreeMB and
// UsedMB describe the medium.
type Stats = protocol.StorageStats

// File is an open card file.
type File struct {
	io.ReadCloser
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Config configures a Browser.
type Config struct {
	ImageExts    []string
	ThumbMaxSize int
}

// Browser serves the card contents from a storage backend.
type Browser struct {
	backend  storage.Backend
	exts     map[string]bool
	thumbMax int
	cache    *exifCache
	events   events.Publisher
}

// NewBrowser creates a Browser. pub may be nil.
func NewBrowser(backend storage.Backend, cfg Config, pub events.Publisher) *Browser {
	exts := cfg.ImageExts
	if len(exts) == 0 {
		exts = DefaultImageExts
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	thumbMax := cfg.ThumbMaxSize
	if thumbMax <= 0 {
		thumbMax = 320
	}
	return &Browser{
		backend:  backend,
		exts:     set,
		thumbMax: thumbMax,
		cache:    newExifCache(exifCacheSize),
		events:   pub,
	}
}

func (b *Browser) isImage(name string) bool {
	return b.exts[strings.ToLower(path.Ext(name))]
}

func isJPEG(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".jpg" || ext == ".jpeg"
}

func toMB(n uint64) float64 {
	return math.Round(float64(n)/bytesPerMB*10) / 10
}

func (b *Browser) images(ctx context.Context) ([]storage.ObjectInfo, error) {
	objs, err := b.backend.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list card: %w", err)
	}
	out := objs[:0]
	for _, o := range objs {
		if !b.isImage(o.Key) {
			continue
		}
		// Only list what Open and Delete will accept.
		if _, err := CleanName(o.Key); err != nil {
			logging.Debug("skipping unaddressable card file", zap.String("file", o.Key), zap.Error(err))
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Status reports the image count and size together with card capacity.
func (b *Browser) Status(ctx context.Context) (Stats, error) {
	imgs, err := b.images(ctx)
	if err != nil {
		return Stats{}, err
	}
	var total uint64
	for _, o := range imgs {
		total += uint64(o.Size)
	}
	usage, err := b.backend.Usage(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("card usage: %w", err)
	}

	metrics.SetSDImages(len(imgs))
	metrics.SetSDFreeBytes(usage.Free)

	return Stats{
		ImageCount: len(imgs),
		TotalMB:    toMB(total),
		FreeMB:     toMB(usage.Free),
		UsedMB:     toMB(usage.Used()),
	}, nil
}

// List returns the images on the card, newest first. The result is never nil.
func (b *Browser) List(ctx context.Context) ([]FileEntry, error) {
	imgs, err := b.images(ctx)
	if err != nil {
		return nil, err
	}

	type dated struct {
		entry FileEntry
		when  time.Time
	}
	rows := make([]dated, 0, len(imgs))
	for _, o := range imgs {
		when := o.ModTime
		if isJPEG(o.Key) {
			if taken := b.exifFor(ctx, o).Taken; !taken.IsZero() {
				when = taken
			}
		}
		e := FileEntry{Name: o.Key, Size: o.Size}
		if !when.IsZero() {
			e.Date = when.Format(DateLayout)
		}
		rows = append(rows, dated{entry: e, when: when})
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].when.Equal(rows[j].when) {
			return rows[i].when.After(rows[j].when)
		}
		return rows[i].entry.Name < rows[j].entry.Name
	})

	files := make([]FileEntry, len(rows))
	for i, r := range rows {
		files[i] = r.entry
	}
	return files, nil
}

func (b *Browser) exifFor(ctx context.Context, o storage.ObjectInfo) exifInfo {
	key := exifKey{name: o.Key, size: o.Size, modTime: o.ModTime.UnixNano()}
	if v, ok := b.cache.get(key); ok {
		return v
	}
	rc, _, err := b.backend.GetObject(ctx, o.Key, 0, 0)
	if err != nil {
		logging.Debug("exif read failed", zap.String("file", o.Key), zap.Error(err))
		return exifInfo{Orientation: 1}
	}
	defer rc.Close()
	v := readExif(io.LimitReader(rc, exifProbeLimit))
	b.cache.put(key, v)
	return v
}

func mapNotFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if errors.Is(err, fs.ErrInvalid) {
		return ErrInvalidName
	}
	return err
}

// Open opens a file for download or preview.
func (b *Browser) Open(ctx context.Context, rawName string) (*File, error) {
	name, err := CleanName(rawName)
	if err != nil {
		return nil, err
	}
	info, err := b.backend.StatObject(ctx, name)
	if err != nil {
		return nil, mapNotFound(err)
	}
	rc, size, err := b.backend.GetObject(ctx, name, 0, 0)
	if err != nil {
		return nil, mapNotFound(err)
	}
	ctype := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return &File{ReadCloser: rc, Name: name, Size: size, ModTime: info.ModTime, ContentType: ctype}, nil
}

// Delete removes a file from the card.
func (b *Browser) Delete(ctx context.Context, rawName string) error {
	name, err := CleanName(rawName)
	if err != nil {
		metrics.RecordSDDelete(false)
		return err
	}
	info, err := b.backend.StatObject(ctx, name)
	if err != nil {
		metrics.RecordSDDelete(false)
		return mapNotFound(err)
	}
	if err := b.backend.DeleteObject(ctx, name); err != nil {
		metrics.RecordSDDelete(false)
		return fmt.Errorf("delete %s: %w", name, mapNotFound(err))
	}
	b.cache.forget(name)
	metrics.RecordSDDelete(true)

	logging.WithContext(ctx).Info("card file deleted", zap.String("file", name), zap.Int64("size", info.Size))
	if b.events != nil {
		b.events.Publish(events.Event{Type: events.EventFileDeleted, Subject: name, Size: info.Size})
	}
	return nil
}

// Thumbnail returns a JPEG preview of an image, at most ThumbMaxSize on its
// longer side, with the EXIF orientation applied.
func (b *Browser) Thumbnail(ctx context.Context, rawName string) ([]byte, error) {
	name, err := CleanName(rawName)
	if err != nil {
		return nil, err
	}
	if !b.isImage(name) {
		return nil, ErrNotImage
	}
	rc, size, err := b.backend.GetObject(ctx, name, 0, 0)
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer rc.Close()
	if size > maxThumbSource {
		return nil, fmt.Errorf("%s: too large for a thumbnail (%d bytes)", name, size)
	}

	data, err := io.ReadAll(io.LimitReader(rc, maxThumbSource))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	orientation := 1
	if isJPEG(name) {
		orientation = readExif(bytes.NewReader(data)).Orientation
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotImage, name, err)
	}
	return makeThumbnail(img, orientation, b.thumbMax)
}
