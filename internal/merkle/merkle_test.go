package merkle

import (
	"crypto/sha256"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/merklefetch/merklefetch/internal/treefile"
)

// writeContent writes n pseudo-random bytes to a temp file and returns
// the path and the bytes.
func writeContent(t *testing.T, dir string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	rng.Read(data)
	path := filepath.Join(dir, "content.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func buildRef(t *testing.T, dir string, n int, chunkSize int64) (*Reference, []byte) {
	t.Helper()
	contentPath, data := writeContent(t, dir, n)
	refPath := filepath.Join(dir, "content"+RefExt)
	b := NewBuilder(BuildOptions{ChunkSize: chunkSize, Workers: 4})
	ref, err := b.Build(contentPath, refPath)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { ref.Close() })
	if b.Progress.Stage() != StageCompleted {
		t.Errorf("build finished in stage %v", b.Progress.Stage())
	}
	return ref, data
}

// Ten 1 MiB chunks: the canonical round-trip geometry.
func TestBuildReferenceRoundTrip(t *testing.T) {
	const mib = 1 << 20
	ref, data := buildRef(t, t.TempDir(), 10*mib, mib)

	sh := ref.Shape()
	if sh.TotalChunks != 10 || sh.LeafCapacity != 16 || sh.NodeCount != 31 || sh.LeafOffset != 15 {
		t.Fatalf("unexpected shape %+v", sh)
	}

	h0, err := ref.HashForLeaf(0)
	if err != nil {
		t.Fatal(err)
	}
	if h0 != sha256.Sum256(data[:mib]) {
		t.Error("leaf 0 digest does not match content")
	}

	path, err := ref.PathToRoot(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 5 {
		t.Errorf("path to root has %d hashes, want 5", len(path))
	}
	if path[0] != h0 {
		t.Error("path does not start at the leaf")
	}
	root, _ := ref.Root()
	if path[len(path)-1] != root {
		t.Error("path does not end at the root")
	}
}

// Every leaf digest equals the SHA-256 of its chunk, including a short
// tail. Four chunks fill L=4 exactly, so this geometry has no virtual
// leaves and the virtual-leaf loop below checks nothing.
func TestBuildShortTail(t *testing.T) {
	const cs = 64 * 1024
	n := 3*cs + 100
	ref, data := buildRef(t, t.TempDir(), n, cs)

	sh := ref.Shape()
	if sh.TotalChunks != 4 {
		t.Fatalf("TotalChunks = %d", sh.TotalChunks)
	}
	for i := 0; i < sh.TotalChunks; i++ {
		start := sh.ChunkStart(i)
		end := start + sh.ActualChunkSize(i)
		h, err := ref.HashForLeaf(i)
		if err != nil {
			t.Fatal(err)
		}
		if h != sha256.Sum256(data[start:end]) {
			t.Errorf("leaf %d digest mismatch", i)
		}
	}
	if sh.ActualChunkSize(3) != 100 {
		t.Errorf("tail chunk size = %d", sh.ActualChunkSize(3))
	}

	// Virtual leaves beyond the content carry the zero digest. Inspect
	// them through a state, which shares the hash region.
	st := seedFrom(t, ref)
	for i := sh.TotalChunks; i < sh.LeafCapacity; i++ {
		h, err := st.tf.Hash(sh.ChunkIndexToLeafNode(i))
		if err != nil {
			t.Fatal(err)
		}
		if h != ZeroDigest {
			t.Errorf("virtual leaf %d carries non-zero digest", i)
		}
	}
}

// Internal nodes hash the concatenation of their children.
func TestInternalNodeHashes(t *testing.T) {
	const cs = 4096
	ref, _ := buildRef(t, t.TempDir(), 10*cs, cs)
	st := seedFrom(t, ref)

	sh := ref.Shape()
	for v := 0; v < sh.InternalCount; v++ {
		left, err := st.tf.Hash(2*v + 1)
		if err != nil {
			t.Fatal(err)
		}
		right, err := st.tf.Hash(2*v + 2)
		if err != nil {
			t.Fatal(err)
		}
		want := sha256.Sum256(append(left[:], right[:]...))
		got, err := st.tf.Hash(v)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("internal node %d is not H(left||right)", v)
		}
	}
}

func seedFrom(t *testing.T, ref *Reference) *State {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "content"+StateExt)
	st, err := SeedState(ref.Path(), statePath, false)
	if err != nil {
		t.Fatalf("SeedState: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSeedStateStartsEmpty(t *testing.T) {
	const cs = 4096
	ref, _ := buildRef(t, t.TempDir(), 7*cs, cs)
	st := seedFrom(t, ref)

	if got := st.CountValid(); got != 0 {
		t.Errorf("fresh state has %d valid chunks", got)
	}
	// The copied digests still serve the reference view.
	for i := 0; i < st.Shape().TotalChunks; i++ {
		rh, _ := ref.HashForLeaf(i)
		sh, err := st.HashForLeaf(i)
		if err != nil {
			t.Fatal(err)
		}
		if rh != sh {
			t.Errorf("seeded digest for chunk %d differs from reference", i)
		}
	}
	if err := CheckCompanion(ref, st); err != nil {
		t.Errorf("CheckCompanion rejected matching pair: %v", err)
	}
}

func TestSeedStateDiscardSource(t *testing.T) {
	dir := t.TempDir()
	contentPath, _ := writeContent(t, dir, 3*4096)
	refPath := filepath.Join(dir, "c"+RefExt)
	b := NewBuilder(BuildOptions{ChunkSize: 4096})
	ref, err := b.Build(contentPath, refPath)
	if err != nil {
		t.Fatal(err)
	}
	ref.Close()

	st, err := SeedState(refPath, filepath.Join(dir, "c"+StateExt), true)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if _, err := os.Stat(refPath); !os.IsNotExist(err) {
		t.Error("reference survived discardSource")
	}
}

// save_if_valid: correct bytes set the bit after the sink runs; wrong
// bytes change nothing and never reach the sink; a repeat call
// short-circuits without rewriting.
func TestSaveIfValid(t *testing.T) {
	const cs = 4096
	dir := t.TempDir()
	contentPath, data := writeContent(t, dir, 5*cs)
	refPath := filepath.Join(dir, "c"+RefExt)
	b := NewBuilder(BuildOptions{ChunkSize: cs})
	ref, err := b.Build(contentPath, refPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()
	st := seedFrom(t, ref)

	writes := 0
	sink := func(payload []byte) error {
		writes++
		return nil
	}

	ok, err := st.SaveIfValid(2, data[2*cs:3*cs], sink)
	if err != nil || !ok {
		t.Fatalf("SaveIfValid(correct) = %v, %v", ok, err)
	}
	if !st.IsValid(2) || writes != 1 {
		t.Errorf("valid=%v writes=%d after correct save", st.IsValid(2), writes)
	}

	// Tampered payload: rejected, sink untouched, bit unchanged.
	tampered := append([]byte(nil), data[1*cs:2*cs]...)
	tampered[0] ^= 0xFF
	ok, err = st.SaveIfValid(1, tampered, sink)
	if err != nil {
		t.Fatal(err)
	}
	if ok || st.IsValid(1) || writes != 1 {
		t.Errorf("tampered save: ok=%v valid=%v writes=%d", ok, st.IsValid(1), writes)
	}

	// Repeat of a verified chunk short-circuits.
	ok, err = st.SaveIfValid(2, data[2*cs:3*cs], sink)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if writes != 1 {
		t.Errorf("repeat save wrote again (writes=%d)", writes)
	}
}

func TestSaveIfValidSinkFailure(t *testing.T) {
	const cs = 4096
	dir := t.TempDir()
	contentPath, data := writeContent(t, dir, 2*cs)
	refPath := filepath.Join(dir, "c"+RefExt)
	ref, err := NewBuilder(BuildOptions{ChunkSize: cs}).Build(contentPath, refPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()
	st := seedFrom(t, ref)

	sinkErr := os.ErrPermission
	ok, err := st.SaveIfValid(0, data[:cs], func([]byte) error { return sinkErr })
	if ok {
		t.Error("SaveIfValid reported success despite sink failure")
	}
	if err == nil {
		t.Error("sink failure not surfaced")
	}
	if st.IsValid(0) {
		t.Error("bit set although the write failed")
	}
}

// State survives a close and reopen with its bitset intact.
func TestStateResume(t *testing.T) {
	const cs = 4096
	dir := t.TempDir()
	contentPath, data := writeContent(t, dir, 6*cs)
	refPath := filepath.Join(dir, "c"+RefExt)
	ref, err := NewBuilder(BuildOptions{ChunkSize: cs}).Build(contentPath, refPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()

	statePath := filepath.Join(dir, "c"+StateExt)
	st, err := SeedState(refPath, statePath, false)
	if err != nil {
		t.Fatal(err)
	}
	sink := func([]byte) error { return nil }
	for _, i := range []int{0, 2, 4} {
		start := int64(i) * cs
		if ok, err := st.SaveIfValid(i, data[start:start+cs], sink); err != nil || !ok {
			t.Fatalf("SaveIfValid(%d): %v %v", i, ok, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	re, err := OpenState(statePath)
	if err != nil {
		t.Fatal(err)
	}
	defer re.Close()
	for i := 0; i < 6; i++ {
		want := i == 0 || i == 2 || i == 4
		if re.IsValid(i) != want {
			t.Errorf("after reopen, IsValid(%d) = %v, want %v", i, re.IsValid(i), want)
		}
	}

	snap := re.ValidChunks()
	if snap.CountValid() != 3 {
		t.Errorf("snapshot counts %d valid chunks, want 3", snap.CountValid())
	}
}

func TestUpgradeToReference(t *testing.T) {
	const cs = 4096
	dir := t.TempDir()
	contentPath, data := writeContent(t, dir, 3*cs)
	refPath := filepath.Join(dir, "c"+RefExt)
	ref, err := NewBuilder(BuildOptions{ChunkSize: cs}).Build(contentPath, refPath)
	if err != nil {
		t.Fatal(err)
	}
	wantRoot, _ := ref.Root()
	ref.Close()

	statePath := filepath.Join(dir, "c"+StateExt)
	st, err := SeedState(refPath, statePath, false)
	if err != nil {
		t.Fatal(err)
	}

	// Incomplete upgrade reports progress.
	err = UpgradeToReference(st, filepath.Join(dir, "up"+RefExt))
	var incomplete *IncompleteStateError
	if !errors.As(err, &incomplete) {
		t.Fatalf("upgrade of empty state = %v, want IncompleteStateError", err)
	}
	if incomplete.Valid != 0 || incomplete.Total != 3 {
		t.Errorf("IncompleteStateError = %+v", incomplete)
	}

	sink := func([]byte) error { return nil }
	for i := 0; i < 3; i++ {
		start := int64(i) * cs
		if ok, _ := st.SaveIfValid(i, data[start:start+cs], sink); !ok {
			t.Fatalf("SaveIfValid(%d) rejected correct bytes", i)
		}
	}

	upPath := filepath.Join(dir, "up"+RefExt)
	if err := UpgradeToReference(st, upPath); err != nil {
		t.Fatalf("UpgradeToReference: %v", err)
	}
	up, err := OpenReference(upPath)
	if err != nil {
		t.Fatal(err)
	}
	defer up.Close()
	gotRoot, _ := up.Root()
	if gotRoot != wantRoot {
		t.Error("upgraded reference root differs from the original")
	}
}

func TestCheckCompanionRejectsMismatch(t *testing.T) {
	const cs = 4096
	dirA := t.TempDir()
	refA, _ := buildRef(t, dirA, 4*cs, cs)
	stA := seedFrom(t, refA)

	dirB := t.TempDir()
	refB, _ := buildRef(t, dirB, 4*cs, cs/2)

	err := CheckCompanion(refB, stA)
	if !errors.Is(err, treefile.ErrCorruptFooter) {
		t.Errorf("CheckCompanion on mismatched pair = %v, want ErrCorruptFooter", err)
	}
}

func TestEmptyContentBuild(t *testing.T) {
	dir := t.TempDir()
	contentPath := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(contentPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ref, err := NewBuilder(BuildOptions{ChunkSize: 1 << 20}).Build(contentPath, filepath.Join(dir, "e"+RefExt))
	if err != nil {
		t.Fatalf("Build of empty content: %v", err)
	}
	defer ref.Close()

	sh := ref.Shape()
	if sh.TotalChunks != 0 || sh.NodeCount != 1 {
		t.Errorf("empty shape %+v", sh)
	}
	root, _ := ref.Root()
	if root != ZeroDigest {
		t.Error("empty tree's single node should carry the zero digest")
	}
}

func TestBuilderProgressCounts(t *testing.T) {
	const cs = 4096
	dir := t.TempDir()
	contentPath, _ := writeContent(t, dir, 9*cs)
	b := NewBuilder(BuildOptions{ChunkSize: cs, Workers: 2})
	ref, err := b.Build(contentPath, filepath.Join(dir, "p"+RefExt))
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()
	if b.Progress.Processed() != 9 || b.Progress.Total() != 9 {
		t.Errorf("progress %d/%d, want 9/9", b.Progress.Processed(), b.Progress.Total())
	}
}

func BenchmarkSaveIfValid(b *testing.B) {
	const cs = 1 << 16
	dir := b.TempDir()
	data := make([]byte, 8*cs)
	rand.New(rand.NewSource(1)).Read(data)
	contentPath := filepath.Join(dir, "content.bin")
	if err := os.WriteFile(contentPath, data, 0o644); err != nil {
		b.Fatal(err)
	}
	ref, err := NewBuilder(BuildOptions{ChunkSize: cs}).Build(contentPath, filepath.Join(dir, "c"+RefExt))
	if err != nil {
		b.Fatal(err)
	}
	defer ref.Close()
	st, err := SeedState(ref.Path(), filepath.Join(dir, "c"+StateExt), false)
	if err != nil {
		b.Fatal(err)
	}
	defer st.Close()

	sink := func([]byte) error { return nil }
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.SaveIfValid(i%8, data[(i%8)*cs:(i%8+1)*cs], sink)
	}
}
