package mmapfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenWriteClosePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	m, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Data) != 4096 {
		t.Fatalf("len(Data) = %d, want 4096", len(m.Data))
	}
	copy(m.Data, []byte("hello mmap"))
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4096 {
		t.Fatalf("file length = %d, want 4096", len(got))
	}
	if string(got[:10]) != "hello mmap" {
		t.Errorf("file content = %q, want %q", got[:10], "hello mmap")
	}
}

func TestOpenGrowsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Open(path, 8192)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Data) != 8192 {
		t.Fatalf("len(Data) = %d, want 8192", len(m.Data))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}
