package fetch

import (
	"fmt"

	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/shape"
	"github.com/merklefetch/merklefetch/internal/transport"
)

// Reason tags why a node was or was not selected for download.
type Reason int

const (
	// AlreadyValidSkip: the chunk is verified; nothing to fetch.
	AlreadyValidSkip Reason = iota
	// MinimalDownload: a single missing leaf, fetched on its own.
	MinimalDownload
	// Coalesced: several missing chunks fetched as one internal node.
	Coalesced
	// TransportLimitSplit: a larger coalesced fetch was possible but
	// exceeded the transport size ceiling, so this node was taken
	// instead.
	TransportLimitSplit
)

// String returns the tag's name.
func (r Reason) String() string {
	switch r {
	case AlreadyValidSkip:
		return "already-valid-skip"
	case MinimalDownload:
		return "minimal-download"
	case Coalesced:
		return "coalesced"
	case TransportLimitSplit:
		return "transport-limit-split"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Decision describes one scheduling choice for observability and tests.
// For AlreadyValidSkip the node is the chunk's leaf and no task exists.
type Decision struct {
	Node   int
	Reason Reason
	Start  int64
	Length int64
}

// Scheduler selects the node downloads a byte range needs. Schedulers
// are stateless and hot-swappable; everything they consult lives in the
// state view and the registry.
type Scheduler interface {
	// ScheduleDownloads enqueues (or joins) downloads for every missing
	// chunk intersecting [offset, offset+length) and returns the
	// handles a reader of that range must await.
	ScheduleDownloads(offset, length int64, st *merkle.State, reg *Registry) []*Handle

	// Analyze returns the decisions ScheduleDownloads would make, with
	// no side effects.
	Analyze(offset, length int64, st *merkle.State) []Decision
}

// chunkSpan clamps [offset, offset+length) to content and returns the
// covered chunk interval [first, last]. ok is false when nothing is
// covered.
func chunkSpan(offset, length int64, sh shape.Shape) (first, last int, ok bool) {
	if sh.TotalChunks == 0 || length <= 0 || offset >= sh.ContentSize {
		return 0, 0, false
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + length
	if end > sh.ContentSize {
		end = sh.ContentSize
	}
	first = sh.ChunkIndexForPosition(offset)
	last = sh.ChunkIndexForPosition(end - 1)
	return first, last, true
}

// taskForNode builds the download task covering node v.
func taskForNode(v int, sh shape.Shape) Task {
	start, end := sh.ByteRangeForNode(v)
	return Task{Node: v, Start: start, Length: end - start}
}

// Conservative schedules one leaf task per missing chunk and never
// coalesces. It downloads the least data possible at the cost of more
// round trips.
type Conservative struct{}

// ScheduleDownloads implements Scheduler.
func (Conservative) ScheduleDownloads(offset, length int64, st *merkle.State, reg *Registry) []*Handle {
	sh := st.Shape()
	first, last, ok := chunkSpan(offset, length, sh)
	if !ok {
		return nil
	}
	var handles []*Handle
	for i := first; i <= last; i++ {
		if st.IsValid(i) {
			continue
		}
		h, _ := reg.EnqueueOrJoin(taskForNode(sh.ChunkIndexToLeafNode(i), sh))
		handles = append(handles, h)
	}
	return handles
}

// Analyze implements Scheduler.
func (Conservative) Analyze(offset, length int64, st *merkle.State) []Decision {
	sh := st.Shape()
	first, last, ok := chunkSpan(offset, length, sh)
	if !ok {
		return nil
	}
	var out []Decision
	for i := first; i <= last; i++ {
		v := sh.ChunkIndexToLeafNode(i)
		if st.IsValid(i) {
			out = append(out, Decision{Node: v, Reason: AlreadyValidSkip})
			continue
		}
		t := taskForNode(v, sh)
		out = append(out, Decision{Node: v, Reason: MinimalDownload, Start: t.Start, Length: t.Length})
	}
	return out
}

// Aggressive coalesces runs of missing chunks into internal-node fetches
// up to MaxFetchBytes per transport call. It minimizes round trips at
// the cost of refetching nothing that is already valid: a node is only
// coalesced when every chunk under it is missing and inside the request.
type Aggressive struct {
	// MaxFetchBytes caps one transport call. Zero means
	// transport.MaxChunkSize.
	MaxFetchBytes int64
}

func (a Aggressive) maxFetch() int64 {
	if a.MaxFetchBytes > 0 {
		return a.MaxFetchBytes
	}
	return transport.MaxChunkSize
}

// ScheduleDownloads implements Scheduler.
func (a Aggressive) ScheduleDownloads(offset, length int64, st *merkle.State, reg *Registry) []*Handle {
	var handles []*Handle
	for _, d := range a.Analyze(offset, length, st) {
		if d.Reason == AlreadyValidSkip {
			continue
		}
		h, _ := reg.EnqueueOrJoin(Task{Node: d.Node, Start: d.Start, Length: d.Length})
		handles = append(handles, h)
	}
	return handles
}

// Analyze implements Scheduler. The walk is greedy left to right: for
// each missing chunk it climbs to the highest ancestor whose leaves all
// sit inside the request, are all missing, and fit the transport cap,
// then skips past that subtree. Greedy-leftmost yields the largest
// eligible nodes with the lexicographically smallest leaf ranges.
func (a Aggressive) Analyze(offset, length int64, st *merkle.State) []Decision {
	sh := st.Shape()
	first, last, ok := chunkSpan(offset, length, sh)
	if !ok {
		return nil
	}
	limit := a.maxFetch()

	var out []Decision
	for i := first; i <= last; {
		if st.IsValid(i) {
			out = append(out, Decision{Node: sh.ChunkIndexToLeafNode(i), Reason: AlreadyValidSkip})
			i++
			continue
		}

		v := sh.ChunkIndexToLeafNode(i)
		splitByLimit := false
		for v != 0 {
			p := sh.Parent(v)
			pFirst, pLast := sh.LeafRangeForNode(p)
			if pFirst < first || pLast > last+1 || pLast > sh.TotalChunks {
				break
			}
			if anyValid(st, pFirst, pLast) {
				break
			}
			pStart, pEnd := sh.ByteRangeForNode(p)
			if pEnd-pStart > limit {
				splitByLimit = true
				break
			}
			v = p
		}

		reason := MinimalDownload
		vFirst, vLast := sh.LeafRangeForNode(v)
		switch {
		case splitByLimit:
			reason = TransportLimitSplit
		case vLast-vFirst > 1:
			reason = Coalesced
		}

		start, end := sh.ByteRangeForNode(v)
		out = append(out, Decision{Node: v, Reason: reason, Start: start, Length: end - start})
		i = vLast
	}
	return out
}

func anyValid(st *merkle.State, first, last int) bool {
	for i := first; i < last; i++ {
		if st.IsValid(i) {
			return true
		}
	}
	return false
}
