//go:build linux
// +build linux

package file

import (
	"sync"
	"sync/atomic"
)

// BlockAtomicFile is the block-aligned backend tuned for correctness: a
// handle-wide reader/writer lock serializes every operation, so concurrent
// callers observe a total order and no partial write is ever visible. This
// is the costlier mode, traded for the guarantees callers need for
// externally observable atomic updates.
type BlockAtomicFile struct {
	bf     *blockFile
	mu     sync.RWMutex
	csHeld atomic.Bool
}

func NewBlockAtomicFile() *BlockAtomicFile {
	return &BlockAtomicFile{bf: newBlockFile()}
}

func (f *BlockAtomicFile) Open(path string, writable bool, options OpenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Open(path, writable, options)
}

// Close releases the handle. A critical-section lock leaked by a caller
// that never called Unlock is released here.
func (f *BlockAtomicFile) Close() error {
	if !f.csHeld.Swap(false) {
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	return f.bf.Close()
}

func (f *BlockAtomicFile) Read(off int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Read(off, buf)
}

func (f *BlockAtomicFile) Write(off int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Write(off, buf)
}

func (f *BlockAtomicFile) Append(buf []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Append(buf)
}

func (f *BlockAtomicFile) Expand(incSize int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Expand(incSize)
}

func (f *BlockAtomicFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Truncate(size)
}

func (f *BlockAtomicFile) Synchronize(hard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Synchronize(hard)
}

func (f *BlockAtomicFile) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Size()
}

func (f *BlockAtomicFile) SetAccessStrategy(blockSize, headBufferSize int64, options AccessOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.SetAccessStrategy(blockSize, headBufferSize, options)
}

func (f *BlockAtomicFile) SetAllocationStrategy(initSize int64, incFactor float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.SetAllocationStrategy(initSize, incFactor)
}

func (f *BlockAtomicFile) Path() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Path()
}

func (f *BlockAtomicFile) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Rename(newPath)
}

// Lock enters the critical section by taking the handle-wide lock itself,
// so the InCriticalSection operations must not go through the locked entry
// points again.
func (f *BlockAtomicFile) Lock() int64 {
	if !f.bf.opened.Load() {
		return -1
	}
	f.mu.Lock()
	if !f.bf.opened.Load() {
		f.mu.Unlock()
		return -1
	}
	f.csHeld.Store(true)
	return f.bf.size.Load()
}

func (f *BlockAtomicFile) Unlock() int64 {
	if !f.csHeld.Swap(false) {
		return -1
	}
	size := f.bf.size.Load()
	f.mu.Unlock()
	return size
}

func (f *BlockAtomicFile) ReadInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.bf.Read(off, buf)
}

func (f *BlockAtomicFile) WriteInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.bf.Write(off, buf)
}

// IsMemoryMapping always returns false: access is slower than a mapped
// file, but the file size can exceed the virtual memory.
func (f *BlockAtomicFile) IsMemoryMapping() bool {
	return false
}

// IsAtomic always returns true. Atomicity is assured and all operations
// are thread-safe.
func (f *BlockAtomicFile) IsAtomic() bool {
	return true
}

// MakeFile returns a new unopened BlockAtomicFile.
func (f *BlockAtomicFile) MakeFile() File {
	return NewBlockAtomicFile()
}
