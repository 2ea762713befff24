// Package utils provides shared utility functions
package utils

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatFileSize converts a size in bytes to IEC units (e.g. "1.5 GiB").
func FormatFileSize(size int64) string {
	if size < 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(size))
}

// ParseSize reads a byte size such as "5MiB", "100 MB" or "1048576".
// Negative or malformed input is an error.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("size %q must not be negative", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}
