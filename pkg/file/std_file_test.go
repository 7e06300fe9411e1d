package file_test

import (
	"path/filepath"
	"testing"

	"github.com/keystonekv/blockfs/pkg/file"
	"github.com/keystonekv/blockfs/pkg/filetest"
)

func TestStdFileAttributes(t *testing.T) {
	f := file.NewStdFile()
	if f.IsMemoryMapping() {
		t.Errorf("Expected IsMemoryMapping to be false")
	}
	if !f.IsAtomic() {
		t.Errorf("Expected IsAtomic to be true")
	}
	if _, ok := f.MakeFile().(*file.StdFile); !ok {
		t.Errorf("Expected MakeFile to return a StdFile")
	}
}

func TestStdFileCommon(t *testing.T) {
	filetest.Run(t, func() file.File { return file.NewStdFile() })
}

func TestStdFileDoubleClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "std.dat")
	f := file.NewStdFile()
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); err != file.ErrNotOpen {
		t.Errorf("Expected ErrNotOpen on second close, got %v", err)
	}
}

func TestStdFileCriticalSectionGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "std.dat")
	f := file.NewStdFile()

	if _, ok := file.EnterCriticalSection(f); ok {
		t.Fatalf("Expected guard entry to fail on a closed handle")
	}

	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.Write(0, []byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cs, ok := file.EnterCriticalSection(f)
	if !ok {
		t.Fatalf("Expected guard entry to succeed")
	}
	if cs.Size() != 3 {
		t.Errorf("Expected entry size 3, got %d", cs.Size())
	}
	if err := cs.Write(3, []byte("def")); err != nil {
		t.Fatalf("Guarded write failed: %v", err)
	}
	if got := cs.Exit(); got != 6 {
		t.Errorf("Expected exit size 6, got %d", got)
	}
	if got := cs.Exit(); got != 6 {
		t.Errorf("Expected repeated exit to keep returning 6, got %d", got)
	}

	buf := make([]byte, 6)
	if err := f.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("Expected %q, got %q", "abcdef", buf)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestStdFileLockLeakReclaimedByClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "std.dat")
	f := file.NewStdFile()
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := f.Lock(); got != 0 {
		t.Fatalf("Expected Lock to return 0, got %d", got)
	}
	// Lock is intentionally leaked; Close must reclaim it.
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Open(path, true, file.OpenDefault); err != nil {
		t.Fatalf("Reopen after leaked lock failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
