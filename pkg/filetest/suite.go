// Package filetest provides a conformance suite run against every backend
// implementing the file.File contract. Backend packages call Run from
// their own tests with a factory returning a fresh unopened handle:
//
//	func TestBlockParallelFileCommon(t *testing.T) {
//	    filetest.Run(t, func() file.File { return file.NewBlockParallelFile() })
//	}
//
// The suite validates the shared contract only; thread-safety classes that
// differ per backend (atomicity of overlapping writes) are out of scope
// here and covered by backend-specific tests.
package filetest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keystonekv/blockfs/pkg/file"
)

// Run executes the whole conformance suite against fresh handles produced
// by newFile.
func Run(t *testing.T, newFile func() file.File) {
	t.Run("EmptyFile", func(t *testing.T) { TestEmptyFile(t, newFile) })
	t.Run("SimpleRead", func(t *testing.T) { TestSimpleRead(t, newFile) })
	t.Run("SimpleWrite", func(t *testing.T) { TestSimpleWrite(t, newFile) })
	t.Run("ReallocWrite", func(t *testing.T) { TestReallocWrite(t, newFile) })
	t.Run("Expand", func(t *testing.T) { TestExpand(t, newFile) })
	t.Run("Truncate", func(t *testing.T) { TestTruncate(t, newFile) })
	t.Run("Synchronize", func(t *testing.T) { TestSynchronize(t, newFile) })
	t.Run("CloseReopen", func(t *testing.T) { TestCloseReopen(t, newFile) })
	t.Run("OpenOptions", func(t *testing.T) { TestOpenOptions(t, newFile) })
	t.Run("Rename", func(t *testing.T) { TestRename(t, newFile) })
	t.Run("OrderedThread", func(t *testing.T) { TestOrderedThread(t, newFile) })
	t.Run("RandomThread", func(t *testing.T) { TestRandomThread(t, newFile) })
	t.Run("ConcurrentAppend", func(t *testing.T) { TestConcurrentAppend(t, newFile) })
	t.Run("CriticalSection", func(t *testing.T) { TestCriticalSection(t, newFile) })
}

func tmpPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "file.dat")
}

func mustOpen(t *testing.T, f file.File, path string, writable bool, options file.OpenOptions) {
	t.Helper()
	if err := f.Open(path, writable, options); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
}

func mustClose(t *testing.T, f file.File) {
	t.Helper()
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// TestEmptyFile checks size and path reporting of a freshly created file.
func TestEmptyFile(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	if size, err := f.Size(); err != nil || size != 0 {
		t.Errorf("Expected size 0, got %d (err %v)", size, err)
	}
	if got, err := f.Path(); err != nil || got != path {
		t.Errorf("Expected path %q, got %q (err %v)", path, got, err)
	}
	mustClose(t, f)

	g := newFile()
	mustOpen(t, g, path, false, file.OpenDefault)
	if size, err := g.Size(); err != nil || size != 0 {
		t.Errorf("Expected size 0 after reopen, got %d (err %v)", size, err)
	}
	mustClose(t, g)
}

// TestSimpleRead writes a known pattern and reads it back at several
// offsets, including past the end.
func TestSimpleRead(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	data := []byte("The quick brown fox jumps over the lazy dog")
	if err := f.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	whole := make([]byte, len(data))
	if err := f.Read(0, whole); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(whole, data) {
		t.Errorf("Read mismatch: got %q", whole)
	}

	mid := make([]byte, 5)
	if err := f.Read(4, mid); err != nil {
		t.Fatalf("Read at offset failed: %v", err)
	}
	if string(mid) != "quick" {
		t.Errorf("Expected %q, got %q", "quick", mid)
	}

	past := make([]byte, 8)
	if err := f.Read(int64(len(data))-4, past); err == nil {
		t.Errorf("Expected error reading past the end")
	}
	mustClose(t, f)
}

// TestSimpleWrite overwrites ranges and verifies the final content and
// size.
func TestSimpleWrite(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	if err := f.Write(0, bytes.Repeat([]byte{'a'}, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Write(8, bytes.Repeat([]byte{'b'}, 16)); err != nil {
		t.Fatalf("Overlapping write failed: %v", err)
	}
	if err := f.Write(4, []byte("cc")); err != nil {
		t.Fatalf("Inner write failed: %v", err)
	}

	if size, err := f.Size(); err != nil || size != 24 {
		t.Fatalf("Expected size 24, got %d (err %v)", size, err)
	}
	got := make([]byte, 24)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte("aaaaccaabbbbbbbbbbbbbbbb")
	if !bytes.Equal(got, want) {
		t.Errorf("Content mismatch: got %q want %q", got, want)
	}
	mustClose(t, f)
}

// TestReallocWrite drives many unaligned appends through a deliberately
// small allocation strategy so the physical extent is regrown repeatedly.
func TestReallocWrite(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	if err := f.SetAllocationStrategy(16, 1.25); err != nil {
		t.Fatalf("SetAllocationStrategy failed: %v", err)
	}
	mustOpen(t, f, path, true, file.OpenTruncate)

	const recLen = 17
	const count = 500
	rec := make([]byte, recLen)
	for i := 0; i < count; i++ {
		for j := range rec {
			rec[j] = byte('a' + (i+j)%26)
		}
		off, err := f.Append(rec)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if off != int64(i*recLen) {
			t.Errorf("Expected offset %d, got %d", i*recLen, off)
		}
	}
	if size, err := f.Size(); err != nil || size != count*recLen {
		t.Fatalf("Expected size %d, got %d (err %v)", count*recLen, size, err)
	}

	got := make([]byte, count*recLen)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i := 0; i < count; i++ {
		for j := 0; j < recLen; j++ {
			if got[i*recLen+j] != byte('a'+(i+j)%26) {
				t.Fatalf("Record %d corrupted at byte %d", i, j)
			}
		}
	}
	mustClose(t, f)
}

// TestExpand grows the file without writing and expects zeroed content.
func TestExpand(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	old, err := f.Expand(100)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if old != 0 {
		t.Errorf("Expected old size 0, got %d", old)
	}
	old, err = f.Expand(50)
	if err != nil {
		t.Fatalf("Second Expand failed: %v", err)
	}
	if old != 100 {
		t.Errorf("Expected old size 100, got %d", old)
	}
	if size, _ := f.Size(); size != 150 {
		t.Errorf("Expected size 150, got %d", size)
	}

	buf := make([]byte, 150)
	if err := f.Read(0, buf); err != nil {
		t.Fatalf("Read of expanded region failed: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("Expected zero at %d, got %d", i, b)
		}
	}
	mustClose(t, f)
}

// TestTruncate shrinks and regrows the file.
func TestTruncate(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	if err := f.Write(0, bytes.Repeat([]byte{'x'}, 100)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Truncate(40); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if size, _ := f.Size(); size != 40 {
		t.Errorf("Expected size 40, got %d", size)
	}
	head := make([]byte, 40)
	if err := f.Read(0, head); err != nil {
		t.Fatalf("Read after shrink failed: %v", err)
	}
	if !bytes.Equal(head, bytes.Repeat([]byte{'x'}, 40)) {
		t.Errorf("Content lost by shrink")
	}
	if err := f.Read(0, make([]byte, 41)); err == nil {
		t.Errorf("Expected error reading past the truncated end")
	}

	if err := f.Truncate(80); err != nil {
		t.Fatalf("Regrow failed: %v", err)
	}
	if size, _ := f.Size(); size != 80 {
		t.Errorf("Expected size 80, got %d", size)
	}
	mustClose(t, f)
}

// TestSynchronize expects the on-disk size to match the logical size
// after a soft synchronize, and a hard synchronize to succeed.
func TestSynchronize(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	data := bytes.Repeat([]byte{'s'}, 777)
	if err := f.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Synchronize(false); err != nil {
		t.Fatalf("Synchronize(false) failed: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Size() != int64(len(data)) {
		t.Errorf("Expected on-disk size %d after synchronize, got %d", len(data), st.Size())
	}

	if err := f.Write(int64(len(data)), data); err != nil {
		t.Fatalf("Write after synchronize failed: %v", err)
	}
	if err := f.Synchronize(true); err != nil {
		t.Fatalf("Synchronize(true) failed: %v", err)
	}
	got := make([]byte, 2*len(data))
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got[:777], data) || !bytes.Equal(got[777:], data) {
		t.Errorf("Content mismatch after synchronize")
	}
	mustClose(t, f)
}

// TestCloseReopen verifies the write-close-reopen-read round trip without
// an explicit Synchronize.
func TestCloseReopen(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), 100)

	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)
	if err := f.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mustClose(t, f)

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Size() != int64(len(data)) {
		t.Errorf("Expected on-disk size %d after close, got %d", len(data), st.Size())
	}

	g := newFile()
	mustOpen(t, g, path, false, file.OpenDefault)
	if size, _ := g.Size(); size != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), size)
	}
	got := make([]byte, len(data))
	if err := g.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Round trip mismatch")
	}
	mustClose(t, g)
}

// TestOpenOptions exercises OpenTruncate, OpenNoCreate and the read-only
// mode.
func TestOpenOptions(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)

	f := newFile()
	if err := f.Open(path, true, file.OpenNoCreate); err == nil {
		f.Close()
		t.Fatalf("Expected OpenNoCreate to fail on a missing file")
	} else if !errors.Is(err, file.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	f = newFile()
	mustOpen(t, f, path, true, file.OpenDefault)
	if err := f.Write(0, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mustClose(t, f)

	f = newFile()
	mustOpen(t, f, path, false, file.OpenDefault)
	if err := f.Write(0, []byte("nope")); err == nil {
		t.Errorf("Expected write to fail on a read-only handle")
	} else if !errors.Is(err, file.ErrNotWritable) {
		t.Errorf("Expected ErrNotWritable, got %v", err)
	}
	mustClose(t, f)

	f = newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)
	if size, _ := f.Size(); size != 0 {
		t.Errorf("Expected OpenTruncate to drop content, size %d", size)
	}
	mustClose(t, f)
}

// TestRename moves the file while it stays open.
func TestRename(t *testing.T, newFile func() file.File) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.dat")
	newPath := filepath.Join(dir, "new.dat")

	f := newFile()
	mustOpen(t, f, oldPath, true, file.OpenTruncate)
	if err := f.Write(0, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Rename(newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got, _ := f.Path(); got != newPath {
		t.Errorf("Expected path %q, got %q", newPath, got)
	}
	if err := f.Write(5, []byte(" world")); err != nil {
		t.Fatalf("Write after rename failed: %v", err)
	}
	mustClose(t, f)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("Expected old path to be gone")
	}
	g := newFile()
	mustOpen(t, g, newPath, false, file.OpenDefault)
	got := make([]byte, 11)
	if err := g.Read(0, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", got)
	}
	mustClose(t, g)
}

// TestOrderedThread has each goroutine fill its own stripe sequentially
// and read it back.
func TestOrderedThread(t *testing.T, newFile func() file.File) {
	const (
		numThreads = 4
		recLen     = 32
		recCount   = 128
		stripe     = recLen * recCount
	)
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)
	if _, err := f.Expand(numThreads * stripe); err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, numThreads)
	for id := 0; id < numThreads; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			base := int64(id * stripe)
			rec := make([]byte, recLen)
			for i := 0; i < recCount; i++ {
				for j := range rec {
					rec[j] = byte(id*31 + i + j)
				}
				if err := f.Write(base+int64(i*recLen), rec); err != nil {
					errs[id] = err
					return
				}
			}
			got := make([]byte, recLen)
			for i := 0; i < recCount; i++ {
				if err := f.Read(base+int64(i*recLen), got); err != nil {
					errs[id] = err
					return
				}
				for j := range got {
					if got[j] != byte(id*31+i+j) {
						errs[id] = errStripeCorrupt
						return
					}
				}
			}
		}(id)
	}
	wg.Wait()
	for id, err := range errs {
		if err != nil {
			t.Errorf("Thread %d failed: %v", id, err)
		}
	}
	mustClose(t, f)
}

var errStripeCorrupt = errors.New("stripe content corrupted")

// TestRandomThread mixes random reads and writes, each goroutine confined
// to its own stripe so results are deterministic per stripe.
func TestRandomThread(t *testing.T, newFile func() file.File) {
	const (
		numThreads = 4
		stripe     = 4096
		ops        = 400
	)
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)
	if _, err := f.Expand(numThreads * stripe); err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	shadows := make([][]byte, numThreads)
	var wg sync.WaitGroup
	errs := make([]error, numThreads)
	for id := 0; id < numThreads; id++ {
		shadows[id] = make([]byte, stripe)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			base := int64(id * stripe)
			shadow := shadows[id]
			seed := uint32(id + 1)
			for i := 0; i < ops; i++ {
				seed = seed*1664525 + 1013904223
				off := int(seed % (stripe - 64))
				seed = seed*1664525 + 1013904223
				length := int(seed%63) + 1
				if seed%3 == 0 {
					got := make([]byte, length)
					if err := f.Read(base+int64(off), got); err != nil {
						errs[id] = err
						return
					}
					if !bytes.Equal(got, shadow[off:off+length]) {
						errs[id] = errStripeCorrupt
						return
					}
				} else {
					chunk := make([]byte, length)
					for j := range chunk {
						chunk[j] = byte(seed + uint32(j))
					}
					if err := f.Write(base+int64(off), chunk); err != nil {
						errs[id] = err
						return
					}
					copy(shadow[off:off+length], chunk)
				}
			}
		}(id)
	}
	wg.Wait()
	for id, err := range errs {
		if err != nil {
			t.Errorf("Thread %d failed: %v", id, err)
		}
	}

	for id := 0; id < numThreads; id++ {
		got := make([]byte, stripe)
		if err := f.Read(int64(id*stripe), got); err != nil {
			t.Fatalf("Final read of stripe %d failed: %v", id, err)
		}
		if !bytes.Equal(got, shadows[id]) {
			t.Errorf("Stripe %d does not match shadow copy", id)
		}
	}
	mustClose(t, f)
}

// TestConcurrentAppend appends disjoint payloads from many goroutines and
// expects every payload to land exactly once with no overlap. The relative
// order is unspecified.
func TestConcurrentAppend(t *testing.T, newFile func() file.File) {
	const (
		numThreads = 8
		perThread  = 64
		recLen     = 50
	)
	path := tmpPath(t)
	f := newFile()
	mustOpen(t, f, path, true, file.OpenTruncate)

	offsets := make([][]int64, numThreads)
	var wg sync.WaitGroup
	errs := make([]error, numThreads)
	for id := 0; id < numThreads; id++ {
		offsets[id] = make([]int64, perThread)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('A' + id)}, recLen)
			for i := 0; i < perThread; i++ {
				off, err := f.Append(payload)
				if err != nil {
					errs[id] = err
					return
				}
				offsets[id][i] = off
			}
		}(id)
	}
	wg.Wait()
	for id, err := range errs {
		if err != nil {
			t.Fatalf("Thread %d failed: %v", id, err)
		}
	}

	wantSize := int64(numThreads * perThread * recLen)
	if size, _ := f.Size(); size != wantSize {
		t.Fatalf("Expected size %d, got %d", wantSize, size)
	}

	seen := make(map[int64]bool)
	got := make([]byte, recLen)
	for id := 0; id < numThreads; id++ {
		for _, off := range offsets[id] {
			if off%recLen != 0 {
				t.Fatalf("Offset %d is not record aligned", off)
			}
			if seen[off] {
				t.Fatalf("Offset %d handed out twice", off)
			}
			seen[off] = true
			if err := f.Read(off, got); err != nil {
				t.Fatalf("Read at %d failed: %v", off, err)
			}
			for _, b := range got {
				if b != byte('A'+id) {
					t.Fatalf("Payload at %d overlaps another writer", off)
				}
			}
		}
	}
	mustClose(t, f)
}

// TestCriticalSection runs the multi-step locked read-modify-write
// protocol: Lock reports the size at entry, the in-section writes land
// without re-acquiring the lock and Unlock reports the final size.
func TestCriticalSection(t *testing.T, newFile func() file.File) {
	path := tmpPath(t)
	f := newFile()

	if got := f.Lock(); got != -1 {
		t.Errorf("Expected Lock on a closed handle to return -1, got %d", got)
	}
	if got := f.Unlock(); got != -1 {
		t.Errorf("Expected Unlock on a closed handle to return -1, got %d", got)
	}

	mustOpen(t, f, path, true, file.OpenTruncate)
	if err := f.Write(0, []byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := f.Lock(); got != 3 {
		t.Fatalf("Expected Lock to return 3, got %d", got)
	}
	if err := f.WriteInCriticalSection(2, []byte("xyz")); err != nil {
		t.Fatalf("WriteInCriticalSection failed: %v", err)
	}
	if err := f.WriteInCriticalSection(5, []byte("123")); err != nil {
		t.Fatalf("WriteInCriticalSection failed: %v", err)
	}
	buf := make([]byte, 8)
	if err := f.ReadInCriticalSection(0, buf); err != nil {
		t.Fatalf("ReadInCriticalSection failed: %v", err)
	}
	if string(buf) != "abxyz123" {
		t.Errorf("Expected %q, got %q", "abxyz123", buf)
	}
	if got := f.Unlock(); got != 8 {
		t.Errorf("Expected Unlock to return 8, got %d", got)
	}

	got := make([]byte, 8)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("Unlocked read failed: %v", err)
	}
	if string(got) != "abxyz123" {
		t.Errorf("Locked writes not visible after Unlock: %q", got)
	}
	mustClose(t, f)
}
