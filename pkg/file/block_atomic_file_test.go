//go:build linux
// +build linux

package file_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keystonekv/blockfs/pkg/file"
	"github.com/keystonekv/blockfs/pkg/filetest"
)

func TestBlockAtomicFileAttributes(t *testing.T) {
	f := file.NewBlockAtomicFile()
	if f.IsMemoryMapping() {
		t.Errorf("Expected IsMemoryMapping to be false")
	}
	if !f.IsAtomic() {
		t.Errorf("Expected IsAtomic to be true")
	}
	if _, ok := f.MakeFile().(*file.BlockAtomicFile); !ok {
		t.Errorf("Expected MakeFile to return a BlockAtomicFile")
	}
}

func TestBlockAtomicFileCommon(t *testing.T) {
	filetest.Run(t, func() file.File { return file.NewBlockAtomicFile() })
}

func TestBlockAtomicFileNoTornWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic.dat")
	f := file.NewBlockAtomicFile()
	if err := f.Open(path, true, file.OpenTruncate); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	const recordSize = 64
	record := func(b byte) []byte {
		buf := make([]byte, recordSize)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}
	if err := f.Write(0, record('a')); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	const numWriters = 4
	const numReaders = 4
	const numRounds = 200
	var wg sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < numRounds; i++ {
				b := byte('a' + (id+i)%8)
				if err := f.Write(0, record(b)); err != nil {
					t.Errorf("Write failed: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, recordSize)
			for i := 0; i < numRounds; i++ {
				if err := f.Read(0, buf); err != nil {
					t.Errorf("Read failed: %v", err)
					return
				}
				for _, b := range buf {
					if b != buf[0] {
						t.Errorf("Observed a torn record: %q", buf)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestNewFileByName(t *testing.T) {
	cases := []struct {
		name   string
		atomic bool
	}{
		{"block_parallel", false},
		{"block_atomic", true},
		{"std", true},
	}
	for _, c := range cases {
		f, err := file.NewFileByName(c.name)
		if err != nil {
			t.Fatalf("NewFileByName(%q) failed: %v", c.name, err)
		}
		if f.IsAtomic() != c.atomic {
			t.Errorf("NewFileByName(%q): expected IsAtomic=%v", c.name, c.atomic)
		}
	}
	if _, err := file.NewFileByName("mmap_parallel"); !errors.Is(err, file.ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for an unknown backend name, got %v", err)
	}
}
