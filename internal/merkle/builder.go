package merkle

import (
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/merklefetch/merklefetch/internal/shape"
	"github.com/merklefetch/merklefetch/internal/treefile"
)

// BuildStage identifies how far a reference build has progressed.
type BuildStage int32

const (
	StageInitializing BuildStage = iota
	StageLeafHashing
	StageInternalHashing
	StageCompleted
)

// String returns a human-readable stage name.
func (s BuildStage) String() string {
	switch s {
	case StageInitializing:
		return "initializing"
	case StageLeafHashing:
		return "leaf hashing"
	case StageInternalHashing:
		return "internal hashing"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// BuildProgress is readable while a build runs.
type BuildProgress struct {
	stage     atomic.Int32
	processed atomic.Int64 // chunks hashed so far
	total     int64
}

// Stage returns the current build stage.
func (p *BuildProgress) Stage() BuildStage { return BuildStage(p.stage.Load()) }

// Processed returns how many chunks have been hashed.
func (p *BuildProgress) Processed() int64 { return p.processed.Load() }

// Total returns the chunk count of the content being built.
func (p *BuildProgress) Total() int64 { return p.total }

// BuildOptions tunes a reference build.
type BuildOptions struct {
	ChunkSize int64 // power of two; DefaultChunkSize when zero
	Workers   int   // leaf hashing parallelism; NumCPU when zero
}

// Builder creates reference trees from local content.
type Builder struct {
	opts     BuildOptions
	Progress BuildProgress
}

// NewBuilder returns a Builder with defaults filled in.
func NewBuilder(opts BuildOptions) *Builder {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = shape.DefaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Builder{opts: opts}
}

// Build hashes contentPath chunk by chunk, computes the internal nodes
// bottom-up, and writes the finished reference tree to refPath. Leaf
// hashing runs on a worker pool; each worker reads its chunks with
// positional reads so no coordination is needed on the content file.
func (b *Builder) Build(contentPath, refPath string) (*Reference, error) {
	f, err := os.Open(contentPath)
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat content: %w", err)
	}
	sh, err := shape.FromContentSize(info.Size(), b.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	b.Progress.total = int64(sh.TotalChunks)

	tf, err := treefile.Create(refPath, sh)
	if err != nil {
		return nil, err
	}

	if err := b.fill(f, sh, tf); err != nil {
		tf.Close()
		os.Remove(refPath)
		return nil, err
	}

	if err := tf.Sync(); err != nil {
		tf.Close()
		os.Remove(refPath)
		return nil, err
	}
	if err := tf.Close(); err != nil {
		os.Remove(refPath)
		return nil, err
	}

	b.Progress.stage.Store(int32(StageCompleted))
	return OpenReference(refPath)
}

func (b *Builder) fill(f *os.File, sh shape.Shape, tf *treefile.File) error {
	b.Progress.stage.Store(int32(StageLeafHashing))

	workers := b.opts.Workers
	if workers > sh.TotalChunks && sh.TotalChunks > 0 {
		workers = sh.TotalChunks
	}

	jobs := make(chan int, workers*2)
	errs := make(chan error, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, sh.ChunkSize)
			for i := range jobs {
				n := sh.ActualChunkSize(i)
				if _, err := f.ReadAt(buf[:n], sh.ChunkStart(i)); err != nil {
					errs <- fmt.Errorf("read chunk %d: %w", i, err)
					return
				}
				sum := sha256.Sum256(buf[:n])
				if err := tf.SetHash(sh.ChunkIndexToLeafNode(i), sum); err != nil {
					errs <- err
					return
				}
				b.Progress.processed.Add(1)
			}
		}()
	}

	for i := 0; i < sh.TotalChunks; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
	}

	// Virtual leaves carry the canonical zero digest.
	for v := sh.LeafOffset + sh.TotalChunks; v < sh.NodeCount; v++ {
		if err := tf.SetHash(v, ZeroDigest); err != nil {
			return err
		}
	}

	b.Progress.stage.Store(int32(StageInternalHashing))
	for v := sh.InternalCount - 1; v >= 0; v-- {
		left, err := tf.Hash(2*v + 1)
		if err != nil {
			return err
		}
		right, err := tf.Hash(2*v + 2)
		if err != nil {
			return err
		}
		pair := make([]byte, 0, 2*treefile.HashSize)
		pair = append(pair, left[:]...)
		pair = append(pair, right[:]...)
		if err := tf.SetHash(v, sha256.Sum256(pair)); err != nil {
			return err
		}
	}

	// A reference trusts every node.
	for v := 0; v < sh.NodeCount; v++ {
		tf.SetBit(v)
	}
	return nil
}
