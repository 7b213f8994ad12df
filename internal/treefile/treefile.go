package treefile

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/merklefetch/merklefetch/internal/shape"
)

// ErrClosed reports use of a tree file after Close.
var ErrClosed = errors.New("tree file is closed")

// File is a memory-mapped tree file. A single File exclusively owns its
// mapping; the hash store and bitset views below share it and die with it.
type File struct {
	path     string
	f        *os.File
	data     []byte
	words    []uint64 // bitset region viewed as words, nil after Close
	footer   Footer
	shape    shape.Shape
	writable bool
}

// Create writes a zeroed tree file for the given shape and maps it
// read-write. The hash region and bitset start empty; the footer is final.
func Create(path string, sh shape.Shape) (*File, error) {
	ftr := FooterFromShape(sh)
	size := int64(ftr.NodeCount)*HashSize + int64(ftr.BitsetBytes) + FooterLength

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create tree file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size tree file: %w", err)
	}
	if _, err := f.WriteAt(ftr.Encode(), size-FooterLength); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write footer: %w", err)
	}

	tf, err := mapFile(path, f, ftr, sh, size, true)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return tf, nil
}

// Open maps an existing tree file. Writable opens map the file shared so
// bitset stores persist; read-only opens refuse all mutation.
func Open(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open tree file: %w", err)
	}

	ftr, size, err := ReadFooter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	sh, err := ftr.Shape()
	if err != nil {
		f.Close()
		return nil, err
	}

	tf, err := mapFile(path, f, ftr, sh, size, writable)
	if err != nil {
		f.Close()
		return nil, err
	}
	return tf, nil
}

func mapFile(path string, f *os.File, ftr Footer, sh shape.Shape, size int64, writable bool) (*File, error) {
	data, err := mmap(f, size, writable)
	if err != nil {
		return nil, err
	}
	hashEnd := int64(ftr.NodeCount) * HashSize
	if int64(len(data)) < hashEnd+int64(ftr.BitsetBytes) {
		munmap(data)
		return nil, fmt.Errorf("%w: mapping holds %d bytes, need %d",
			ErrCorruptHashRegion, len(data), hashEnd+int64(ftr.BitsetBytes))
	}

	// The hash region is a multiple of 32 bytes and the mapping is page
	// aligned, so the bitset words that follow are 8-byte aligned.
	nwords := int(ftr.BitsetBytes) / 8
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&data[hashEnd])), nwords)

	return &File{
		path:     path,
		f:        f,
		data:     data,
		words:    words,
		footer:   ftr,
		shape:    sh,
		writable: writable,
	}, nil
}

// Path returns the file's path on disk.
func (t *File) Path() string { return t.path }

// Footer returns the decoded footer.
func (t *File) Footer() Footer { return t.footer }

// Shape returns the tree geometry.
func (t *File) Shape() shape.Shape { return t.shape }

// Hash returns the 32-byte hash stored at node v.
func (t *File) Hash(v int) ([HashSize]byte, error) {
	if t.data == nil {
		return [HashSize]byte{}, ErrClosed
	}
	if v < 0 || v >= int(t.footer.NodeCount) {
		return [HashSize]byte{}, fmt.Errorf("node %d out of range [0, %d)", v, t.footer.NodeCount)
	}
	var h [HashSize]byte
	copy(h[:], t.data[v*HashSize:])
	return h, nil
}

// SetHash stores h at node v. Only writable files accept stores.
func (t *File) SetHash(v int, h [HashSize]byte) error {
	if t.data == nil {
		return ErrClosed
	}
	if !t.writable {
		return errors.New("tree file opened read-only")
	}
	if v < 0 || v >= int(t.footer.NodeCount) {
		return fmt.Errorf("node %d out of range [0, %d)", v, t.footer.NodeCount)
	}
	copy(t.data[v*HashSize:(v+1)*HashSize], h[:])
	return nil
}

// HashRegion exposes the raw hash region for bulk copies (seeding a state
// from a reference). The slice aliases the mapping; it dies on Close.
func (t *File) HashRegion() ([]byte, error) {
	if t.data == nil {
		return nil, ErrClosed
	}
	return t.data[:int(t.footer.NodeCount)*HashSize], nil
}

// Bit reports whether node v's validity bit is set. The load is atomic so
// readers may race with SetBit.
func (t *File) Bit(v int) bool {
	if t.words == nil {
		return false
	}
	word := atomic.LoadUint64(&t.words[v/64])
	return word&(1<<(uint(v)%64)) != 0
}

// SetBit atomically sets node v's validity bit. Callers must only set the
// bit after the data it vouches for is durable.
func (t *File) SetBit(v int) {
	addr := &t.words[v/64]
	mask := uint64(1) << (uint(v) % 64)
	for {
		old := atomic.LoadUint64(addr)
		if old&mask != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old|mask) {
			return
		}
	}
}

// ClearBit atomically clears node v's validity bit. Used when seeding a
// state from a reference.
func (t *File) ClearBit(v int) {
	addr := &t.words[v/64]
	mask := uint64(1) << (uint(v) % 64)
	for {
		old := atomic.LoadUint64(addr)
		if old&mask == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old&^mask) {
			return
		}
	}
}

// SnapshotBits copies the bitset into an immutable word slice.
func (t *File) SnapshotBits() []uint64 {
	if t.words == nil {
		return nil
	}
	out := make([]uint64, len(t.words))
	for i := range t.words {
		out[i] = atomic.LoadUint64(&t.words[i])
	}
	return out
}

// CountSetBits counts set validity bits over node indices [lo, hi).
func (t *File) CountSetBits(lo, hi int) int {
	n := 0
	for v := lo; v < hi; v++ {
		if t.Bit(v) {
			n++
		}
	}
	return n
}

// Sync flushes the mapping to disk.
func (t *File) Sync() error {
	if t.data == nil {
		return ErrClosed
	}
	if err := msync(t.data); err != nil {
		return fmt.Errorf("sync tree file: %w", err)
	}
	return nil
}

// Close flushes writable mappings, unmaps, and closes the file. Further
// calls on the handle fail with ErrClosed.
func (t *File) Close() error {
	if t.data == nil {
		return ErrClosed
	}
	var firstErr error
	if t.writable {
		if err := msync(t.data); err != nil {
			firstErr = fmt.Errorf("sync tree file: %w", err)
		}
	}
	if err := munmap(t.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unmap tree file: %w", err)
	}
	t.data = nil
	t.words = nil
	if err := t.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
