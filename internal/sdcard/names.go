package sdcard

import (
	"fmt"
	"path"
	"strings"
)

// MaxNameLen bounds a file name on the card (FAT long names).
const MaxNameLen = 255

// CleanName validates a flat file name from a request. A single leading '/'
// is accepted, as the card root is implied. Subdirectories, '..', backslashes
// and control characters are rejected. Characters FAT forbids but an SMB or
// local mount allows, such as ':' or '?', are accepted so such files stay
// reachable.
func CleanName(raw string) (string, error) {
	name := strings.TrimPrefix(raw, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c == 0x7F {
			return "", fmt.Errorf("%w: control character", ErrInvalidName)
		}
		if c == '/' || c == '\\' {
			return "", fmt.Errorf("%w: path separator", ErrInvalidName)
		}
	}
	if name == "." || name == ".." || path.Clean(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
