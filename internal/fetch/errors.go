package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures surfaced by the transport. Retryable:
	// a later schedule pass will select the chunks again.
	ErrTransport = errors.New("transport failure")

	// ErrCacheWrite marks a failed cache write or fsync. The affected
	// chunk's validity bit is never set.
	ErrCacheWrite = errors.New("cache write failure")

	// ErrCancelled resolves handles whose owning engine was closed.
	ErrCancelled = errors.New("cancelled")
)

// HashMismatchError reports a downloaded chunk whose digest differs from
// the reference. Retryable in the same way as ErrTransport.
type HashMismatchError struct {
	Chunk int
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("chunk %d digest does not match reference", e.Chunk)
}
