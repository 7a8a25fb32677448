//go:build linux

package pager

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes f's data to stable storage via a data-only fsync,
// skipping the inode metadata sync os.File.Sync() always performs. This is
// the WAL's hot durability path (flush_up_to), called once per commit.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
