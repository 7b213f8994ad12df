// Package treefile implements the on-disk format for persisted Merkle trees.
//
// A tree file has three regions:
//
//	offset 0                       hash region, NodeCount * 32 bytes
//	offset NodeCount*32            validity bitset, one bit per node,
//	                               padded to 8-byte words
//	offset fileSize - footerLength footer, big-endian fixed width
//
// The last byte of the file is the footer length, so a reader can locate
// the footer from the tail without knowing the format version. The file is
// memory mapped; hashes are read and written at absolute offsets and the
// bitset is accessed with per-word atomics.
package treefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/merklefetch/merklefetch/internal/shape"
)

// Magic identifies a tree file footer.
var magic = [4]byte{'M', 'T', 'R', 'E'}

// FooterLength is the fixed encoded size of the footer, including the
// trailing duplicated length byte.
const FooterLength = 49

// HashSize is the width of one hash slot in the hash region.
const HashSize = 32

var (
	// ErrCorruptFooter reports an implausible or inconsistent footer.
	ErrCorruptFooter = errors.New("corrupt tree file footer")

	// ErrCorruptHashRegion reports a file too short for its declared
	// node count.
	ErrCorruptHashRegion = errors.New("corrupt tree file hash region")
)

// Footer carries the shape and layout metadata at the tail of a tree file.
type Footer struct {
	ChunkSize     uint64
	ContentSize   uint64
	TotalChunks   uint32
	LeafCount     uint32 // real leaves, equals TotalChunks
	CapLeaf       uint32 // leaf capacity L
	NodeCount     uint32 // V
	LeafOffset    uint32 // O
	InternalCount uint32 // I
	BitsetBytes   uint32 // bitset region size including word padding
}

// FooterFromShape derives the footer for a tree of the given shape.
func FooterFromShape(sh shape.Shape) Footer {
	return Footer{
		ChunkSize:     uint64(sh.ChunkSize),
		ContentSize:   uint64(sh.ContentSize),
		TotalChunks:   uint32(sh.TotalChunks),
		LeafCount:     uint32(sh.TotalChunks),
		CapLeaf:       uint32(sh.LeafCapacity),
		NodeCount:     uint32(sh.NodeCount),
		LeafOffset:    uint32(sh.LeafOffset),
		InternalCount: uint32(sh.InternalCount),
		BitsetBytes:   bitsetBytes(sh.NodeCount),
	}
}

// bitsetBytes returns the bitset region size for v nodes: one bit per
// node, rounded up to whole 8-byte words so atomics stay aligned.
func bitsetBytes(v int) uint32 {
	words := (v + 63) / 64
	return uint32(words * 8)
}

// Shape reconstructs the tree geometry described by the footer.
func (f Footer) Shape() (shape.Shape, error) {
	sh, err := shape.FromContentSize(int64(f.ContentSize), int64(f.ChunkSize))
	if err != nil {
		return shape.Shape{}, fmt.Errorf("%w: %v", ErrCorruptFooter, err)
	}
	return sh, nil
}

// Encode serializes the footer to its fixed 49-byte big-endian form.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterLength)
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint64(buf[4:12], f.ChunkSize)
	binary.BigEndian.PutUint64(buf[12:20], f.ContentSize)
	binary.BigEndian.PutUint32(buf[20:24], f.TotalChunks)
	binary.BigEndian.PutUint32(buf[24:28], f.LeafCount)
	binary.BigEndian.PutUint32(buf[28:32], f.CapLeaf)
	binary.BigEndian.PutUint32(buf[32:36], f.NodeCount)
	binary.BigEndian.PutUint32(buf[36:40], f.LeafOffset)
	binary.BigEndian.PutUint32(buf[40:44], f.InternalCount)
	binary.BigEndian.PutUint32(buf[44:48], f.BitsetBytes)
	buf[48] = FooterLength
	return buf
}

// DecodeFooter parses a footer from exactly FooterLength bytes and checks
// its internal consistency against the shape arithmetic.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterLength {
		return Footer{}, fmt.Errorf("%w: footer is %d bytes, want %d", ErrCorruptFooter, len(buf), FooterLength)
	}
	if [4]byte(buf[0:4]) != magic {
		return Footer{}, fmt.Errorf("%w: bad magic %q", ErrCorruptFooter, buf[0:4])
	}
	if buf[48] != FooterLength {
		return Footer{}, fmt.Errorf("%w: trailing length byte %d", ErrCorruptFooter, buf[48])
	}

	f := Footer{
		ChunkSize:     binary.BigEndian.Uint64(buf[4:12]),
		ContentSize:   binary.BigEndian.Uint64(buf[12:20]),
		TotalChunks:   binary.BigEndian.Uint32(buf[20:24]),
		LeafCount:     binary.BigEndian.Uint32(buf[24:28]),
		CapLeaf:       binary.BigEndian.Uint32(buf[28:32]),
		NodeCount:     binary.BigEndian.Uint32(buf[32:36]),
		LeafOffset:    binary.BigEndian.Uint32(buf[36:40]),
		InternalCount: binary.BigEndian.Uint32(buf[40:44]),
		BitsetBytes:   binary.BigEndian.Uint32(buf[44:48]),
	}

	sh, err := f.Shape()
	if err != nil {
		return Footer{}, err
	}
	want := FooterFromShape(sh)
	if f != want {
		return Footer{}, fmt.Errorf("%w: fields inconsistent with chunkSize=%d contentSize=%d",
			ErrCorruptFooter, f.ChunkSize, f.ContentSize)
	}
	return f, nil
}

// ReadFooter locates and parses the footer of an open tree file by reading
// the duplicated length byte at the tail.
func ReadFooter(f *os.File) (Footer, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return Footer{}, 0, fmt.Errorf("stat tree file: %w", err)
	}
	size := info.Size()
	if size < FooterLength {
		return Footer{}, 0, fmt.Errorf("%w: file is %d bytes", ErrCorruptFooter, size)
	}

	var lenByte [1]byte
	if _, err := f.ReadAt(lenByte[:], size-1); err != nil {
		return Footer{}, 0, fmt.Errorf("read footer length byte: %w", err)
	}
	if int64(lenByte[0]) > size || lenByte[0] != FooterLength {
		return Footer{}, 0, fmt.Errorf("%w: implausible footer length %d", ErrCorruptFooter, lenByte[0])
	}

	buf := make([]byte, FooterLength)
	if _, err := f.ReadAt(buf, size-FooterLength); err != nil && err != io.EOF {
		return Footer{}, 0, fmt.Errorf("read footer: %w", err)
	}
	ftr, err := DecodeFooter(buf)
	if err != nil {
		return Footer{}, 0, err
	}

	// The declared regions must exactly account for the file.
	expect := int64(ftr.NodeCount)*HashSize + int64(ftr.BitsetBytes) + FooterLength
	if expect != size {
		return Footer{}, 0, fmt.Errorf("%w: regions total %d bytes but file is %d", ErrCorruptFooter, expect, size)
	}
	return ftr, size, nil
}
