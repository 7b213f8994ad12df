// Package bundle packs tree files into a compressed, checksummed
// container for moving references over a trusted channel.
//
// Layout:
//
//	magic "MBDL" | version u16 | nameLen u16 | name | rawLen u64 |
//	zstd(tree file bytes) | SHA-256 of everything before the trailer
//
// All integers big-endian. The name records the original filename so an
// import can restore the .mref / .mrkl role convention.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

var magic = []byte{'M', 'B', 'D', 'L'}

const version uint16 = 1

// ErrBadBundle reports a bundle that fails structural or checksum
// validation.
var ErrBadBundle = errors.New("malformed bundle")

// Export writes treePath into a bundle at bundlePath.
func Export(treePath, bundlePath string) error {
	raw, err := os.ReadFile(treePath)
	if err != nil {
		return fmt.Errorf("read tree file: %w", err)
	}
	name := filepath.Base(treePath)
	if len(name) > 0xFFFF {
		return fmt.Errorf("tree file name %q too long", name)
	}

	var body bytes.Buffer
	body.Write(magic)
	binary.Write(&body, binary.BigEndian, version)
	binary.Write(&body, binary.BigEndian, uint16(len(name)))
	body.WriteString(name)
	binary.Write(&body, binary.BigEndian, uint64(len(raw)))

	zw, err := zstd.NewWriter(&body, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("init zstd: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return fmt.Errorf("compress tree file: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}

	sum := sha256.Sum256(body.Bytes())
	body.Write(sum[:])

	if err := os.WriteFile(bundlePath, body.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// Import unpacks a bundle into destDir and returns the restored tree
// file's path. The checksum and declared sizes are verified before
// anything is written.
func Import(bundlePath, destDir string) (string, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return "", fmt.Errorf("read bundle: %w", err)
	}
	if len(data) < len(magic)+2+2+8+sha256.Size {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrBadBundle, len(data))
	}

	trailer := data[len(data)-sha256.Size:]
	body := data[:len(data)-sha256.Size]
	if sha256.Sum256(body) != [sha256.Size]byte(trailer) {
		return "", fmt.Errorf("%w: checksum mismatch", ErrBadBundle)
	}

	r := bytes.NewReader(body)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil || !bytes.Equal(head, magic) {
		return "", fmt.Errorf("%w: bad magic", ErrBadBundle)
	}
	var ver uint16
	if err := binary.Read(r, binary.BigEndian, &ver); err != nil || ver != version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrBadBundle, ver)
	}
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return "", fmt.Errorf("%w: truncated name length", ErrBadBundle)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", fmt.Errorf("%w: truncated name", ErrBadBundle)
	}
	name := filepath.Base(string(nameBytes))
	var rawLen uint64
	if err := binary.Read(r, binary.BigEndian, &rawLen); err != nil {
		return "", fmt.Errorf("%w: truncated size", ErrBadBundle)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("init zstd: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("%w: decompress: %v", ErrBadBundle, err)
	}
	if uint64(len(raw)) != rawLen {
		return "", fmt.Errorf("%w: payload is %d bytes, header says %d", ErrBadBundle, len(raw), rawLen)
	}

	dest := filepath.Join(destDir, name)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fmt.Errorf("write tree file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("place tree file: %w", err)
	}
	return dest, nil
}
