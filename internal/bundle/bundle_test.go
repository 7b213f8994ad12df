package bundle

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, dir, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(7)).Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	treePath, data := writeTree(t, dir, "content.mref", 128*1024)
	bundlePath := filepath.Join(dir, "content.bundle")

	if err := Export(treePath, bundlePath); err != nil {
		t.Fatalf("Export: %v", err)
	}

	destDir := t.TempDir()
	restored, err := Import(bundlePath, destDir)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if filepath.Base(restored) != "content.mref" {
		t.Errorf("restored as %q, want original name", filepath.Base(restored))
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("restored bytes differ from original")
	}
}

func TestImportRejectsTamperedBundle(t *testing.T) {
	dir := t.TempDir()
	treePath, _ := writeTree(t, dir, "content.mref", 32*1024)
	bundlePath := filepath.Join(dir, "content.bundle")
	if err := Export(treePath, bundlePath); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(bundlePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Import(bundlePath, t.TempDir()); err == nil {
		t.Error("Import accepted a tampered bundle")
	}
}

func TestImportRejectsTruncatedBundle(t *testing.T) {
	if _, err := Import(filepath.Join(t.TempDir(), "missing.bundle"), t.TempDir()); err == nil {
		t.Error("Import accepted a missing bundle")
	}

	dir := t.TempDir()
	short := filepath.Join(dir, "short.bundle")
	if err := os.WriteFile(short, []byte("MBDL"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(short, dir); err == nil {
		t.Error("Import accepted a truncated bundle")
	}
}
