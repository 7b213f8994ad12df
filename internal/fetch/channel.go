package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/merklefetch/merklefetch/internal/cachefile"
	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/transport"
)

// Channel presents the remote content as a positionally readable
// surface. Each read schedules whatever downloads the range still
// needs, awaits them, then serves the bytes from the local cache.
type Channel struct {
	state *merkle.State
	cache *cachefile.Cache
	sched Scheduler
	reg   *Registry
}

// NewChannel wires a read surface over an already-running pipeline.
func NewChannel(st *merkle.State, cache *cachefile.Cache, sched Scheduler, reg *Registry) *Channel {
	return &Channel{state: st, cache: cache, sched: sched, reg: reg}
}

// ReadAt fills dest from content position pos, downloading and verifying
// any chunks the range still needs. Reads at or past the content end
// return 0. The first failed download aborts the read with its error;
// verified chunks keep their bits, so a retry resumes where this read
// left off. The scheduler splits work below the transport size ceiling,
// so arbitrarily large dest buffers are fine.
func (c *Channel) ReadAt(ctx context.Context, dest []byte, pos int64) (int, error) {
	sh := c.state.Shape()
	if pos < 0 {
		return 0, fmt.Errorf("negative read position %d", pos)
	}
	if pos >= sh.ContentSize || len(dest) == 0 {
		return 0, nil
	}
	length := int64(len(dest))
	if remaining := sh.ContentSize - pos; length > remaining {
		length = remaining
	}

	handles := c.sched.ScheduleDownloads(pos, length, c.state, c.reg)
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return 0, err
		}
	}

	n, err := c.cache.ReadAt(dest[:length], pos)
	if err != nil {
		return n, fmt.Errorf("%w: read back [%d, %d): %v", ErrCacheWrite, pos, pos+length, err)
	}
	return n, nil
}

// Engine bundles the full pipeline for one piece of content: state tree,
// cache file, transport, scheduler, registry, and executor.
type Engine struct {
	State   *merkle.State
	Cache   *cachefile.Cache
	Reg     *Registry
	Exec    *Executor
	Channel *Channel
}

// EngineOptions tunes a pipeline.
type EngineOptions struct {
	Scheduler Scheduler // nil selects Aggressive{}
	Workers   int       // executor pool size, DefaultWorkers when <= 0
}

// NewEngine assembles and starts a pipeline. The engine owns the state
// and cache handles and releases them on Close; the transport stays with
// the caller.
func NewEngine(st *merkle.State, cache *cachefile.Cache, tr transport.Transport, opts EngineOptions) *Engine {
	sched := opts.Scheduler
	if sched == nil {
		sched = Aggressive{}
	}
	reg := NewRegistry()
	exec := NewExecutor(reg, st, cache, tr, opts.Workers)
	exec.Start()
	return &Engine{
		State:   st,
		Cache:   cache,
		Reg:     reg,
		Exec:    exec,
		Channel: NewChannel(st, cache, sched, reg),
	}
}

// ReadAt reads through the channel facade.
func (e *Engine) ReadAt(ctx context.Context, dest []byte, pos int64) (int, error) {
	return e.Channel.ReadAt(ctx, dest, pos)
}

// Close aborts pending awaiters, joins the workers, and releases the
// state and cache.
func (e *Engine) Close() error {
	e.Reg.Close()
	e.Exec.Stop(5 * time.Second)
	err := e.State.Close()
	if cerr := e.Cache.Close(); err == nil {
		err = cerr
	}
	return err
}
