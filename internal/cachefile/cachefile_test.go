package cachefile

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCreateExtendsToSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	c, err := Create(path, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1<<20 {
		t.Errorf("cache file is %d bytes, want %d", info.Size(), 1<<20)
	}
	if c.Size() != 1<<20 {
		t.Errorf("Size() = %d", c.Size())
	}
}

func TestWriteChunkReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	c, err := Create(path, 64*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	if err := c.WriteChunk(payload, 8192); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := c.ReadAt(got, 8192); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read back different bytes")
	}
}

func TestConcurrentDisjointWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	const chunk = 4096
	const chunks = 16
	c, err := Create(path, chunk*chunks)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, chunk)
			if err := c.WriteChunk(payload, int64(i*chunk)); err != nil {
				t.Errorf("chunk %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < chunks; i++ {
		got := make([]byte, chunk)
		if _, err := c.ReadAt(got, int64(i*chunk)); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, chunk)) {
			t.Errorf("chunk %d corrupted by concurrent writes", i)
		}
	}
}

func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	c, err := Create(path, 8192)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteChunk([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	c.Close()

	re, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer re.Close()
	if re.Size() != 8192 {
		t.Errorf("reopened size = %d", re.Size())
	}
	got := make([]byte, 5)
	if _, err := re.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("read %q", got)
	}
}

func TestClosedCacheFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	c, err := Create(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	if err := c.WriteChunk([]byte("x"), 0); err != ErrClosed {
		t.Errorf("WriteChunk after Close = %v", err)
	}
	if _, err := c.ReadAt(make([]byte, 1), 0); err != ErrClosed {
		t.Errorf("ReadAt after Close = %v", err)
	}
}
