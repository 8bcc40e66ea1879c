package sdcard

import (
	"io"
	"sync"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// exifInfo is the subset of EXIF the browser needs.
type exifInfo struct {
	Taken       time.Time // zero when absent
	Orientation int
}

// readExif decodes EXIF from r. Images without EXIF yield Orientation 1 and
// a zero capture time.
func readExif(r io.Reader) exifInfo {
	info := exifInfo{Orientation: 1}
	x, err := exif.Decode(r)
	if err != nil {
		return info
	}
	if t, err := x.DateTime(); err == nil {
		info.Taken = t
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			info.Orientation = v
		}
	}
	return info
}

type exifKey struct {
	name    string
	size    int64
	modTime int64
}

// exifCache remembers decoded EXIF per file version so listings do not
// re-read every image.
type exifCache struct {
	mu      sync.Mutex
	entries map[exifKey]exifInfo
	max     int
}

func newExifCache(max int) *exifCache {
	return &exifCache{entries: make(map[exifKey]exifInfo), max: max}
}

func (c *exifCache) get(k exifKey) (exifInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[k]
	return v, ok
}

func (c *exifCache) put(k exifKey, v exifInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Cards are small; starting over is simpler than LRU.
		c.entries = make(map[exifKey]exifInfo)
	}
	c.entries[k] = v
}

func (c *exifCache) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.name == name {
			delete(c.entries, k)
		}
	}
}
