//go:build !linux

package pager

import "os"

// datasync falls back to a full fsync on platforms without a data-only
// sync syscall exposed the same way Linux's fdatasync is.
func datasync(f *os.File) error {
	return f.Sync()
}
