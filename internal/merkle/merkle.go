// Package merkle exposes the two contracts a persisted tree serves.
//
// A Reference is the authoritative digest tree for some content: every
// hash in it is trusted, and it is read-only. A State is seeded from a
// Reference and tracks which chunks of the content have been verified
// against those digests and written into a local cache. Both are thin
// views over the same treefile layout; the split is capability, not
// format. By convention references use the .mref extension and states
// use .mrkl.
package merkle

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/merklefetch/merklefetch/internal/shape"
	"github.com/merklefetch/merklefetch/internal/treefile"
)

// Hash is a SHA-256 digest.
type Hash = [32]byte

// ZeroDigest is the hash carried by virtual leaves padding the tree out
// to its leaf capacity.
var ZeroDigest = Hash{}

// RefExt and StateExt are the conventional filename extensions. The
// binary layout behind them is identical.
const (
	RefExt   = ".mref"
	StateExt = ".mrkl"
)

// IncompleteStateError reports an attempt to upgrade a state that has
// unverified chunks into a reference.
type IncompleteStateError struct {
	Valid int
	Total int
}

func (e *IncompleteStateError) Error() string {
	return fmt.Sprintf("state has %d of %d chunks verified", e.Valid, e.Total)
}

// pathToRoot walks from the leaf for chunk i up to the root, collecting
// the stored hash at every node on the way, both endpoints included.
func pathToRoot(tf *treefile.File, sh shape.Shape, i int) ([]Hash, error) {
	if i < 0 || i >= sh.TotalChunks {
		return nil, fmt.Errorf("chunk %d out of range [0, %d)", i, sh.TotalChunks)
	}
	path := make([]Hash, 0, sh.TreeHeight())
	v := sh.ChunkIndexToLeafNode(i)
	for {
		h, err := tf.Hash(v)
		if err != nil {
			return nil, err
		}
		path = append(path, h)
		if v == 0 {
			return path, nil
		}
		v = sh.Parent(v)
	}
}

// Reference is the immutable digest tree.
type Reference struct {
	tf *treefile.File
}

// OpenReference maps a reference tree read-only.
func OpenReference(path string) (*Reference, error) {
	tf, err := treefile.Open(path, false)
	if err != nil {
		return nil, err
	}
	return &Reference{tf: tf}, nil
}

// Shape returns the tree geometry.
func (r *Reference) Shape() shape.Shape { return r.tf.Shape() }

// Path returns the backing file's path.
func (r *Reference) Path() string { return r.tf.Path() }

// HashForLeaf returns the authoritative digest for chunk i.
func (r *Reference) HashForLeaf(i int) (Hash, error) {
	sh := r.tf.Shape()
	if i < 0 || i >= sh.TotalChunks {
		return Hash{}, fmt.Errorf("chunk %d out of range [0, %d)", i, sh.TotalChunks)
	}
	return r.tf.Hash(sh.ChunkIndexToLeafNode(i))
}

// Root returns the root digest.
func (r *Reference) Root() (Hash, error) {
	return r.tf.Hash(0)
}

// PathToRoot returns the hash chain from chunk i's leaf to the root.
func (r *Reference) PathToRoot(i int) ([]Hash, error) {
	return pathToRoot(r.tf, r.tf.Shape(), i)
}

// Close releases the mapping.
func (r *Reference) Close() error { return r.tf.Close() }

// State tracks verified chunks over the digests copied from a reference.
// It is safe for concurrent use; SaveIfValid calls for the same chunk are
// serialized, distinct chunks proceed independently.
type State struct {
	tf    *treefile.File
	locks [64]sync.Mutex
}

// OpenState maps an existing state tree read-write.
func OpenState(path string) (*State, error) {
	tf, err := treefile.Open(path, true)
	if err != nil {
		return nil, err
	}
	return &State{tf: tf}, nil
}

// SeedState derives a state file from a reference: the hash region is
// copied wholesale, internal and virtual-leaf bits stay set, and every
// real-leaf bit is cleared so verification starts from nothing. When
// discardSource is true the reference file is removed once the state is
// durable.
func SeedState(refPath, statePath string, discardSource bool) (*State, error) {
	ref, err := treefile.Open(refPath, false)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	sh := ref.Shape()
	st, err := treefile.Create(statePath, sh)
	if err != nil {
		return nil, err
	}

	src, err := ref.HashRegion()
	if err != nil {
		st.Close()
		os.Remove(statePath)
		return nil, err
	}
	dst, err := st.HashRegion()
	if err != nil {
		st.Close()
		os.Remove(statePath)
		return nil, err
	}
	copy(dst, src)

	for v := 0; v < sh.NodeCount; v++ {
		st.SetBit(v)
	}
	for i := 0; i < sh.TotalChunks; i++ {
		st.ClearBit(sh.ChunkIndexToLeafNode(i))
	}

	if err := st.Sync(); err != nil {
		st.Close()
		os.Remove(statePath)
		return nil, err
	}
	if discardSource {
		if err := os.Remove(refPath); err != nil {
			st.Close()
			return nil, fmt.Errorf("discard reference: %w", err)
		}
	}
	return &State{tf: st}, nil
}

// CheckCompanion verifies that a reopened state belongs with the given
// reference. A state whose footer disagrees on chunk size or content size
// was seeded from something else and is rejected as corrupt.
func CheckCompanion(ref *Reference, st *State) error {
	if ref.Shape() != st.Shape() {
		return fmt.Errorf("%w: state shape %+v does not match reference %+v",
			treefile.ErrCorruptFooter, st.Shape(), ref.Shape())
	}
	refRoot, err := ref.Root()
	if err != nil {
		return err
	}
	stRoot, err := st.tf.Hash(0)
	if err != nil {
		return err
	}
	if refRoot != stRoot {
		return fmt.Errorf("%w: state root digest does not match reference", treefile.ErrCorruptFooter)
	}
	return nil
}

// Shape returns the tree geometry.
func (s *State) Shape() shape.Shape { return s.tf.Shape() }

// Path returns the backing file's path.
func (s *State) Path() string { return s.tf.Path() }

// HashForLeaf returns the digest chunk i must verify against. The state
// carries the reference's hash region, so this is the reference view.
func (s *State) HashForLeaf(i int) (Hash, error) {
	sh := s.tf.Shape()
	if i < 0 || i >= sh.TotalChunks {
		return Hash{}, fmt.Errorf("chunk %d out of range [0, %d)", i, sh.TotalChunks)
	}
	return s.tf.Hash(sh.ChunkIndexToLeafNode(i))
}

// PathToRoot returns the hash chain from chunk i's leaf to the root.
func (s *State) PathToRoot(i int) ([]Hash, error) {
	return pathToRoot(s.tf, s.tf.Shape(), i)
}

// IsValid reports whether chunk i has been verified and durably cached.
func (s *State) IsValid(i int) bool {
	sh := s.tf.Shape()
	if i < 0 || i >= sh.TotalChunks {
		return false
	}
	return s.tf.Bit(sh.ChunkIndexToLeafNode(i))
}

// CountValid returns how many chunks are verified.
func (s *State) CountValid() int {
	sh := s.tf.Shape()
	return s.tf.CountSetBits(sh.LeafOffset, sh.LeafOffset+sh.TotalChunks)
}

// ValidChunks returns an immutable snapshot of per-chunk validity.
func (s *State) ValidChunks() Snapshot {
	sh := s.tf.Shape()
	return Snapshot{
		words:      s.tf.SnapshotBits(),
		leafOffset: sh.LeafOffset,
		chunks:     sh.TotalChunks,
	}
}

// Snapshot is a point-in-time copy of a state's chunk validity.
type Snapshot struct {
	words      []uint64
	leafOffset int
	chunks     int
}

// Chunks returns the number of chunks the snapshot covers.
func (b Snapshot) Chunks() int { return b.chunks }

// IsValid reports chunk i's validity at snapshot time.
func (b Snapshot) IsValid(i int) bool {
	if i < 0 || i >= b.chunks {
		return false
	}
	v := b.leafOffset + i
	return b.words[v/64]&(1<<(uint(v)%64)) != 0
}

// CountValid returns how many chunks were valid at snapshot time.
func (b Snapshot) CountValid() int {
	n := 0
	for i := 0; i < b.chunks; i++ {
		if b.IsValid(i) {
			n++
		}
	}
	return n
}

// WriteSink persists a verified chunk payload durably. It must not return
// until the bytes would survive a crash.
type WriteSink func(payload []byte) error

// SaveIfValid verifies payload against the digest for chunk i and, on a
// match, writes it through sink before setting the validity bit. It
// returns true when the chunk is verified (now or previously), false when
// the payload does not match; a mismatched payload never reaches the sink
// and changes nothing. Calls for the same chunk are serialized; a second
// caller that finds the bit already set short-circuits without writing.
func (s *State) SaveIfValid(i int, payload []byte, sink WriteSink) (bool, error) {
	want, err := s.HashForLeaf(i)
	if err != nil {
		return false, err
	}
	if sha256.Sum256(payload) != want {
		return false, nil
	}

	lock := &s.locks[i%len(s.locks)]
	lock.Lock()
	defer lock.Unlock()

	if s.IsValid(i) {
		return true, nil
	}
	if err := sink(payload); err != nil {
		return false, fmt.Errorf("write chunk %d: %w", i, err)
	}
	s.tf.SetBit(s.tf.Shape().ChunkIndexToLeafNode(i))
	return true, nil
}

// Sync flushes the mapping.
func (s *State) Sync() error { return s.tf.Sync() }

// Close flushes and releases the mapping.
func (s *State) Close() error { return s.tf.Close() }

// UpgradeToReference turns a fully verified state back into a reference
// file at refPath. The state handle is consumed on success. A state with
// unverified chunks is rejected with IncompleteStateError.
func UpgradeToReference(s *State, refPath string) error {
	sh := s.Shape()
	valid := s.CountValid()
	if valid < sh.TotalChunks {
		return &IncompleteStateError{Valid: valid, Total: sh.TotalChunks}
	}

	// Restore the full bitset a reference carries before handing the
	// file over.
	for i := 0; i < sh.TotalChunks; i++ {
		s.tf.SetBit(sh.ChunkIndexToLeafNode(i))
	}
	statePath := s.Path()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Rename(statePath, refPath); err != nil {
		return fmt.Errorf("rename state to reference: %w", err)
	}
	return nil
}

// HashReader streams r and returns its SHA-256, for whole-file checks.
func HashReader(r io.Reader) (Hash, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
