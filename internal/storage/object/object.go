// Package object holds the value types shared by every storage backend.
package object

import "time"

// Info describes one stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Usage is total and free bytes of a medium. Used is Total - Free.
type Usage struct {
	Total uint64
	Free  uint64
}

// Used returns the bytes in use, never negative.
func (u Usage) Used() uint64 {
	if u.Free > u.Total {
		return 0
	}
	return u.Total - u.Free
}
