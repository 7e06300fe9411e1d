package file

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// StdFile is the plain backend on top of os.File: no block alignment, no
// process locking, a single mutex over every operation. All operations are
// atomic and thread-safe, at the cost of full serialization. Useful as a
// baseline and for platforms without the block-aligned backends.
type StdFile struct {
	mu       sync.Mutex
	fp       *os.File
	path     string
	writable bool
	opts     OpenOptions
	size     int64
	csHeld   atomic.Bool
}

var _ File = (*StdFile)(nil)

func NewStdFile() *StdFile {
	return &StdFile{}
}

func (f *StdFile) Open(path string, writable bool, options OpenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp != nil {
		return ErrAlreadyOpen
	}
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
		if options&OpenNoCreate == 0 {
			flags |= os.O_CREATE
		}
		if options&OpenTruncate != 0 {
			flags |= os.O_TRUNC
		}
	}
	fp, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return classifyOSError(err)
	}
	st, err := fp.Stat()
	if err != nil {
		fp.Close()
		return classifyOSError(err)
	}
	f.fp = fp
	f.path = path
	f.writable = writable
	f.opts = options
	f.size = st.Size()
	return nil
}

// Close releases the handle. A critical-section lock leaked by a caller
// that never called Unlock is reclaimed here.
func (f *StdFile) Close() error {
	if !f.csHeld.Swap(false) {
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	if f.fp == nil {
		return ErrNotOpen
	}
	var firstErr error
	if f.writable && f.opts&OpenSyncHard != 0 {
		if err := f.fp.Sync(); err != nil {
			firstErr = classifyOSError(err)
		}
	}
	if err := f.fp.Close(); err != nil && firstErr == nil {
		firstErr = classifyOSError(err)
	}
	f.fp = nil
	f.size = 0
	return firstErr
}

func (f *StdFile) Read(off int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(off, buf)
}

func (f *StdFile) Write(off int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(off, buf)
}

func (f *StdFile) Append(buf []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := f.size
	if err := f.writeLocked(off, buf); err != nil {
		return 0, err
	}
	return off, nil
}

func (f *StdFile) Expand(incSize int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return 0, ErrNotOpen
	}
	if !f.writable {
		return 0, ErrNotWritable
	}
	if incSize < 0 {
		return 0, ErrInvalidArg
	}
	old := f.size
	f.size += incSize
	if err := f.fp.Truncate(f.size); err != nil {
		f.size = old
		return 0, classifyOSError(err)
	}
	return old, nil
}

func (f *StdFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return ErrNotOpen
	}
	if !f.writable {
		return ErrNotWritable
	}
	if size < 0 {
		return ErrInvalidArg
	}
	if err := f.fp.Truncate(size); err != nil {
		return classifyOSError(err)
	}
	f.size = size
	return nil
}

func (f *StdFile) Synchronize(hard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return ErrNotOpen
	}
	if hard {
		if err := f.fp.Sync(); err != nil {
			return classifyOSError(err)
		}
	}
	return nil
}

func (f *StdFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return 0, ErrNotOpen
	}
	return f.size, nil
}

// SetAccessStrategy is accepted and ignored: the std backend has no block
// alignment to configure.
func (f *StdFile) SetAccessStrategy(blockSize, headBufferSize int64, options AccessOptions) error {
	if blockSize <= 0 {
		return ErrInvalidArg
	}
	return nil
}

// SetAllocationStrategy is accepted and ignored: the std backend relies on
// the OS to grow the file.
func (f *StdFile) SetAllocationStrategy(initSize int64, incFactor float64) error {
	if initSize <= 0 || incFactor < 1.0 {
		return ErrInvalidArg
	}
	return nil
}

func (f *StdFile) Path() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return "", ErrNotOpen
	}
	return f.path, nil
}

func (f *StdFile) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return ErrNotOpen
	}
	if err := os.Rename(f.path, newPath); err != nil {
		return classifyOSError(err)
	}
	f.path = newPath
	return nil
}

// Lock enters the critical section by taking the handle mutex itself, so
// every other operation waits until Unlock.
func (f *StdFile) Lock() int64 {
	f.mu.Lock()
	if f.fp == nil {
		f.mu.Unlock()
		return -1
	}
	f.csHeld.Store(true)
	return f.size
}

func (f *StdFile) Unlock() int64 {
	if !f.csHeld.Swap(false) {
		return -1
	}
	size := f.size
	f.mu.Unlock()
	return size
}

func (f *StdFile) ReadInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.readLocked(off, buf)
}

func (f *StdFile) WriteInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.writeLocked(off, buf)
}

// IsMemoryMapping always returns false.
func (f *StdFile) IsMemoryMapping() bool {
	return false
}

// IsAtomic always returns true: the handle mutex serializes everything.
func (f *StdFile) IsAtomic() bool {
	return true
}

// MakeFile returns a new unopened StdFile.
func (f *StdFile) MakeFile() File {
	return NewStdFile()
}

func (f *StdFile) readLocked(off int64, buf []byte) error {
	if f.fp == nil {
		return ErrNotOpen
	}
	if off < 0 {
		return ErrInvalidArg
	}
	if off+int64(len(buf)) > f.size {
		return ErrInfeasible
	}
	if _, err := f.fp.ReadAt(buf, off); err != nil && err != io.EOF {
		return classifyOSError(err)
	}
	return nil
}

func (f *StdFile) writeLocked(off int64, buf []byte) error {
	if f.fp == nil {
		return ErrNotOpen
	}
	if !f.writable {
		return ErrNotWritable
	}
	if off < 0 {
		return ErrInvalidArg
	}
	if _, err := f.fp.WriteAt(buf, off); err != nil {
		return classifyOSError(err)
	}
	if end := off + int64(len(buf)); end > f.size {
		f.size = end
	}
	return nil
}
