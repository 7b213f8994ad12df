package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/merklefetch/merklefetch/internal/cachefile"
	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/transport"
)

// DefaultWorkers is the executor's default concurrency.
const DefaultWorkers = 16

// takeTimeout bounds how long an idle worker parks in TakeNext before
// rechecking for shutdown.
const takeTimeout = 100 * time.Millisecond

// Executor drains the registry queue: fetch, verify, cache, resolve.
// Failed tasks resolve their handle and are otherwise forgotten; retries
// happen by scheduling again, which keeps the executor idempotent and
// the scheduler authoritative.
type Executor struct {
	reg   *Registry
	state *merkle.State
	cache *cachefile.Cache
	tr    transport.Transport

	workers int
	sem     *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor wires an executor. workers <= 0 selects DefaultWorkers.
func NewExecutor(reg *Registry, st *merkle.State, cache *cachefile.Cache, tr transport.Transport, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		reg:     reg,
		state:   st,
		cache:   cache,
		tr:      tr,
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Start launches the worker pool. Workers run until Stop.
func (e *Executor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for w := 0; w < e.workers; w++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop cancels in-progress fetches and joins the workers, waiting at
// most timeout before giving up on stragglers.
func (e *Executor) Stop(timeout time.Duration) {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := e.reg.TakeNext(takeTimeout)
		if !ok {
			continue
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.reg.Complete(task.Node, ErrCancelled, 0)
			return
		}
		e.run(ctx, task)
		e.sem.Release(1)
	}
}

// run downloads task's byte range, verifies each chunk against the
// reference digests, and writes verified chunks into the cache. The
// handle resolves with the first failure; chunks already verified keep
// their bits either way.
func (e *Executor) run(ctx context.Context, task Task) {
	buf, err := e.tr.FetchRange(ctx, task.Start, task.Length)
	if err != nil {
		e.reg.Complete(task.Node, fmt.Errorf("%w: %v", ErrTransport, err), 0)
		return
	}
	if int64(len(buf)) != task.Length {
		e.reg.Complete(task.Node,
			fmt.Errorf("%w: returned %d bytes for a %d byte range", ErrTransport, len(buf), task.Length), 0)
		return
	}

	sh := e.state.Shape()
	first, last := sh.LeafRangeForNode(task.Node)
	if last > sh.TotalChunks {
		last = sh.TotalChunks
	}

	off := int64(0)
	for i := first; i < last; i++ {
		n := sh.ActualChunkSize(i)
		if off+n > int64(len(buf)) {
			e.reg.Complete(task.Node,
				fmt.Errorf("%w: buffer underflow slicing chunk %d", ErrTransport, i), 0)
			return
		}
		payload := buf[off : off+n]
		off += n

		start := sh.ChunkStart(i)
		ok, err := e.state.SaveIfValid(i, payload, func(p []byte) error {
			return e.cache.WriteChunk(p, start)
		})
		if err != nil {
			e.reg.Complete(task.Node, fmt.Errorf("%w: %v", ErrCacheWrite, err), 0)
			return
		}
		if !ok {
			e.reg.Complete(task.Node, &HashMismatchError{Chunk: i}, 0)
			return
		}
	}

	e.reg.Complete(task.Node, nil, int64(len(buf)))
}
