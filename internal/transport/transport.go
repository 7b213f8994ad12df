// Package transport defines how chunk bytes reach the engine and ships
// two implementations: one over a local file (mirrors, tests) and one
// over HTTP range requests.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
)

// MaxChunkSize is the default ceiling on a single FetchRange call,
// matching common signed-32-bit buffer limits. Schedulers split larger
// work before it reaches a transport.
const MaxChunkSize = 1<<31 - 1

// Transport fetches byte ranges of the origin content. Implementations
// must return exactly length bytes on success and an error otherwise,
// and must tolerate concurrent calls.
type Transport interface {
	// FetchRange returns content bytes [start, start+length).
	FetchRange(ctx context.Context, start, length int64) ([]byte, error)
}

// FileTransport serves ranges from a local file.
type FileTransport struct {
	f *os.File
}

// OpenFile opens a file-backed transport.
func OpenFile(path string) (*FileTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open origin file: %w", err)
	}
	return &FileTransport{f: f}, nil
}

// FetchRange implements Transport.
func (t *FileTransport) FetchRange(ctx context.Context, start, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := t.f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read [%d, %d): %w", start, start+length, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("short read: got %d of %d bytes at %d", n, length, start)
	}
	return buf, nil
}

// Close closes the underlying file.
func (t *FileTransport) Close() error {
	return t.f.Close()
}
