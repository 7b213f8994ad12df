//go:build unix

package treefile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmap maps the whole file. Writable maps are shared so stores reach the
// page cache; read-only maps protect reference trees from stray writes.
func mmap(f *os.File, size int64, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return data, nil
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}

// msync flushes mapped pages to the backing file.
func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
