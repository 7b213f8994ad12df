// Package cachefile manages the sparse local file that verified chunks
// land in. The file's logical length always equals the content length;
// workers write disjoint chunk ranges concurrently with positional writes
// and readers serve byte ranges with positional reads. The file is never
// shrunk or relocated.
package cachefile

import (
	"errors"
	"fmt"
	"os"
)

// ErrClosed reports use of a cache after Close.
var ErrClosed = errors.New("cache file is closed")

// Cache is a positional read/write view of the local content copy.
type Cache struct {
	f    *os.File
	size int64
}

// Create opens (or creates) the cache at path and extends it to size
// bytes. On filesystems with sparse file support the extension costs no
// disk until chunks arrive. An existing larger file is left alone.
func Create(path string, size int64) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat cache file: %w", err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend cache file: %w", err)
		}
	}
	return &Cache{f: f, size: size}, nil
}

// Open opens an existing cache read-write without resizing.
func Open(path string) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat cache file: %w", err)
	}
	return &Cache{f: f, size: info.Size()}, nil
}

// Size returns the cache's logical length.
func (c *Cache) Size() int64 { return c.size }

// WriteAt writes p at offset off. Concurrent callers must write disjoint
// ranges.
func (c *Cache) WriteAt(p []byte, off int64) (int, error) {
	if c.f == nil {
		return 0, ErrClosed
	}
	return c.f.WriteAt(p, off)
}

// WriteChunk durably writes a chunk payload at off: the data is fsynced
// before return, so a caller may publish a validity bit afterwards.
func (c *Cache) WriteChunk(payload []byte, off int64) error {
	if c.f == nil {
		return ErrClosed
	}
	if _, err := c.f.WriteAt(payload, off); err != nil {
		return fmt.Errorf("write %d bytes at %d: %w", len(payload), off, err)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("sync cache file: %w", err)
	}
	return nil
}

// ReadAt fills p from offset off.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	if c.f == nil {
		return 0, ErrClosed
	}
	return c.f.ReadAt(p, off)
}

// Close closes the underlying file.
func (c *Cache) Close() error {
	if c.f == nil {
		return ErrClosed
	}
	err := c.f.Close()
	c.f = nil
	return err
}
