package storage

import (
	"os"
	"time"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// DateBefore reports whether the usage date lies before cutoff. Unparseable
// dates are never considered old.
func DateBefore(date, cutoff string) bool {
	d, err := time.Parse(DateFormat, date)
	if err != nil {
		return false
	}
	c, err := time.Parse(DateFormat, cutoff)
	if err != nil {
		return false
	}
	return d.Before(c)
}
