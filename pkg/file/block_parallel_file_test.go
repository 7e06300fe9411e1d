//go:build linux
// +build linux

package file_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keystonekv/blockfs/pkg/file"
	"github.com/keystonekv/blockfs/pkg/filetest"
)

func TestBlockParallelFileAttributes(t *testing.T) {
	f := file.NewBlockParallelFile()
	if f.IsMemoryMapping() {
		t.Errorf("Expected IsMemoryMapping to be false")
	}
	if f.IsAtomic() {
		t.Errorf("Expected IsAtomic to be false")
	}
	if _, ok := f.MakeFile().(*file.BlockParallelFile); !ok {
		t.Errorf("Expected MakeFile to return a BlockParallelFile")
	}
}

func TestBlockParallelFileCommon(t *testing.T) {
	filetest.Run(t, func() file.File { return file.NewBlockParallelFile() })
}

func TestBlockParallelFileDirectAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.dat")
	f := file.NewBlockParallelFile()
	if err := f.SetAccessStrategy(512, 0, file.AccessDirect); err != nil {
		t.Fatalf("SetAccessStrategy failed: %v", err)
	}
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Unaligned writes exercise the read-modify-write path.
	if err := f.Write(0, bytes.Repeat([]byte{'d'}, 700)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Write(700, bytes.Repeat([]byte{'e'}, 900)); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}
	got := make([]byte, 1600)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got[:700], bytes.Repeat([]byte{'d'}, 700)) ||
		!bytes.Equal(got[700:], bytes.Repeat([]byte{'e'}, 900)) {
		t.Errorf("Content mismatch on the direct path")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	g := file.NewBlockParallelFile()
	if err := g.SetAccessStrategy(512, 0, file.AccessDirect); err != nil {
		t.Fatalf("SetAccessStrategy failed: %v", err)
	}
	if err := g.Open(path, false, file.OpenDefault); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if size, _ := g.Size(); size != 1600 {
		t.Errorf("Expected size 1600, got %d", size)
	}
	again := make([]byte, 1600)
	if err := g.Read(0, again); err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(again, got) {
		t.Errorf("Round trip mismatch on the direct path")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBlockParallelFileHeadBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "head.dat")
	f := file.NewBlockParallelFile()
	if err := f.SetAccessStrategy(512, 2048, file.AccessDefault); err != nil {
		t.Fatalf("SetAccessStrategy failed: %v", err)
	}
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Straddle the head buffer boundary.
	data := bytes.Repeat([]byte("hb"), 1536)
	if err := f.Write(1024, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := f.Read(1024, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Content mismatch across head buffer boundary")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	g := file.NewBlockParallelFile()
	if err := g.Open(path, false, file.OpenDefault); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if size, _ := g.Size(); size != 1024+int64(len(data)) {
		t.Errorf("Expected size %d, got %d", 1024+len(data), size)
	}
	again := make([]byte, len(data))
	if err := g.Read(1024, again); err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Errorf("Head-buffered content not persisted")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBlockParallelFileDirectConcurrentEdgeWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edges.dat")
	f := file.NewBlockParallelFile()
	if err := f.SetAccessStrategy(512, 0, file.AccessDirect); err != nil {
		t.Fatalf("SetAccessStrategy failed: %v", err)
	}
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.Write(0, make([]byte, 512)); err != nil {
		t.Fatalf("Initial write failed: %v", err)
	}

	// Two writers repeatedly rewrite disjoint halves of the same block.
	// Neither half may ever lose an update to the other's
	// read-modify-write.
	const rounds = 2000
	var wg sync.WaitGroup
	writer := func(off int64, value func(i int) byte) {
		defer wg.Done()
		buf := make([]byte, 256)
		for i := 0; i < rounds; i++ {
			for j := range buf {
				buf[j] = value(i)
			}
			if err := f.Write(off, buf); err != nil {
				t.Errorf("Write at %d failed: %v", off, err)
				return
			}
		}
	}
	wg.Add(2)
	go writer(0, func(i int) byte { return byte(i % 125) })
	go writer(256, func(i int) byte { return byte(i%125) + 125 })
	wg.Wait()

	got := make([]byte, 512)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	wantLo := byte((rounds - 1) % 125)
	wantHi := wantLo + 125
	for j := 0; j < 256; j++ {
		if got[j] != wantLo {
			t.Fatalf("Byte %d is %d, want %d: first half lost an update", j, got[j], wantLo)
		}
	}
	for j := 256; j < 512; j++ {
		if got[j] != wantHi {
			t.Fatalf("Byte %d is %d, want %d: second half lost an update", j, got[j], wantHi)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBlockParallelFileSyncFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.dat")
	f := file.NewBlockParallelFile()
	if err := f.SetAccessStrategy(512, 0, file.AccessSync); err != nil {
		t.Fatalf("SetAccessStrategy failed: %v", err)
	}
	if err := f.Open(path, true, file.OpenTruncate|file.OpenSyncHard); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data := []byte("durable bytes")
	if err := f.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Synchronize(true); err != nil {
		t.Fatalf("Synchronize(true) failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	g := file.NewBlockParallelFile()
	if err := g.Open(path, false, file.OpenDefault); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := g.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Content mismatch after synced write")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBlockParallelFileStrategyValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.dat")
	f := file.NewBlockParallelFile()

	if err := f.SetAccessStrategy(0, 0, file.AccessDefault); !errors.Is(err, file.ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for zero block size, got %v", err)
	}
	if err := f.SetAccessStrategy(100, 0, file.AccessDirect); !errors.Is(err, file.ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for direct access with odd block size, got %v", err)
	}
	if err := f.SetAllocationStrategy(0, 2.0); !errors.Is(err, file.ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for zero init size, got %v", err)
	}
	if err := f.SetAllocationStrategy(1024, 0.5); !errors.Is(err, file.ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for shrinking factor, got %v", err)
	}

	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.SetAccessStrategy(512, 0, file.AccessDefault); !errors.Is(err, file.ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible for SetAccessStrategy after open, got %v", err)
	}
	if err := f.SetAllocationStrategy(1024, 2.0); !errors.Is(err, file.ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible for SetAllocationStrategy after open, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBlockParallelFileProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.dat")
	f := file.NewBlockParallelFile()
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	g := file.NewBlockParallelFile()
	if err := g.Open(path, true, file.OpenNoWait); err == nil {
		g.Close()
		t.Fatalf("Expected second exclusive open to fail")
	} else if !errors.Is(err, file.ErrLockConflict) {
		t.Errorf("Expected ErrLockConflict, got %v", err)
	}

	h := file.NewBlockParallelFile()
	if err := h.Open(path, true, file.OpenNoLock); err != nil {
		t.Fatalf("Expected OpenNoLock to bypass the advisory lock: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
