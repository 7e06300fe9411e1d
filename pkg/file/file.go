// Package file provides the block-aligned file layer of the keystonekv
// storage engine. Three backends implement the same File contract with
// different thread-safety classes: BlockParallelFile (concurrent but
// non-atomic), BlockAtomicFile (every operation observed as indivisible)
// and StdFile (plain os.File, fully serialized).
package file

// OpenOptions is a bit-sum of flags for Open.
type OpenOptions uint32

const (
	OpenDefault  OpenOptions = 0
	OpenTruncate OpenOptions = 1 << 0 // drop existing content
	OpenNoCreate OpenOptions = 1 << 1 // fail if the file does not exist
	OpenNoWait   OpenOptions = 1 << 2 // fail instead of blocking on the process lock
	OpenNoLock   OpenOptions = 1 << 3 // skip advisory locking against other processes
	OpenSyncHard OpenOptions = 1 << 4 // fsync before the descriptor is closed
)

// AccessOptions is a bit-sum of flags for SetAccessStrategy.
type AccessOptions uint32

const (
	AccessDefault AccessOptions = 0
	AccessDirect  AccessOptions = 1 << 0 // bypass the page cache (O_DIRECT)
	AccessSync    AccessOptions = 1 << 1 // push every update through the device (O_DSYNC)
)

const (
	// DefaultBlockSize is the block size used when SetAccessStrategy is
	// never called. Direct access requires the block size to be a multiple
	// of the device block size, for which 512 is the lowest common case.
	DefaultBlockSize = 512

	// DefaultAllocInitSize and DefaultAllocIncFactor describe the default
	// allocation strategy: the physical extent starts at 1MB and doubles
	// whenever it runs out, which keeps reallocation frequency low.
	DefaultAllocInitSize  = 1 << 20
	DefaultAllocIncFactor = 2.0
)

// File is the capability surface shared by all backends. The logical size
// reported by Size is always less than or equal to the physical size on
// disk; the physical size is kept block-aligned and is trimmed back to the
// logical size by Synchronize and Close.
//
// Per-method thread safety depends on the backend; see the concrete types.
type File interface {
	// Open opens the file at path. When writable is false the file is
	// read-only. By default a writer takes an exclusive advisory lock
	// against other processes and a reader takes a shared one.
	Open(path string, writable bool, options OpenOptions) error

	// Close releases every resource held by the handle: buffers are
	// flushed, the physical extent is trimmed to the logical size, the
	// process lock and any leaked critical-section lock are released and
	// the descriptor is closed.
	Close() error

	// Read fills buf with the bytes at offset off.
	Read(off int64, buf []byte) error

	// Write puts buf at offset off, extending the file as needed.
	Write(off int64, buf []byte) error

	// Append puts buf at the end of the file and returns the offset the
	// data was written at. Offset reservation is safe under concurrency.
	Append(buf []byte) (off int64, err error)

	// Expand grows the file by incSize bytes without writing data and
	// returns the size before the expansion.
	Expand(incSize int64) (oldSize int64, err error)

	// Truncate sets the file size, discarding data beyond it.
	Truncate(size int64) error

	// Synchronize makes the file state consistent with the file system.
	// When hard is true the data is also pushed to the hardware.
	Synchronize(hard bool) error

	// Size returns the current logical size.
	Size() (int64, error)

	// SetAccessStrategy configures block alignment before Open. blockSize
	// is the alignment unit for direct access; headBufferSize, when
	// positive, keeps that many leading bytes buffered in memory.
	SetAccessStrategy(blockSize, headBufferSize int64, options AccessOptions) error

	// SetAllocationStrategy configures physical growth before Open: the
	// extent starts at initSize and is multiplied by incFactor whenever
	// more room is needed.
	SetAllocationStrategy(initSize int64, incFactor float64) error

	// Path returns the current path of the open file.
	Path() (string, error)

	// Rename moves the file to newPath without closing it.
	Rename(newPath string) error

	// Lock enters the handle-wide critical section and returns the
	// logical size observed at entry, or -1 when the handle is not open.
	Lock() int64

	// Unlock leaves the critical section and returns the logical size
	// observed at release, or -1 when the handle is not open.
	Unlock() int64

	// ReadInCriticalSection reads without re-acquiring the critical
	// section lock. Valid only between Lock and Unlock.
	ReadInCriticalSection(off int64, buf []byte) error

	// WriteInCriticalSection writes without re-acquiring the critical
	// section lock. Valid only between Lock and Unlock.
	WriteInCriticalSection(off int64, buf []byte) error

	// IsMemoryMapping reports whether I/O goes through memory mapping.
	IsMemoryMapping() bool

	// IsAtomic reports whether every updating operation is atomic and
	// thread-safe.
	IsAtomic() bool

	// MakeFile returns a new unopened instance of the same concrete type.
	MakeFile() File
}

// CriticalSection pairs Lock with a guaranteed Unlock so multi-step
// read-modify-write sequences release the lock on every exit path.
type CriticalSection struct {
	f    File
	size int64
	held bool
}

// EnterCriticalSection locks f and returns a guard holding the size
// observed at entry. ok is false when f does not support locking in its
// current state (Lock returned -1).
func EnterCriticalSection(f File) (cs *CriticalSection, ok bool) {
	size := f.Lock()
	if size < 0 {
		return nil, false
	}
	return &CriticalSection{f: f, size: size, held: true}, true
}

// Size returns the logical size observed when the section was entered.
func (cs *CriticalSection) Size() int64 {
	return cs.size
}

// Read reads within the critical section.
func (cs *CriticalSection) Read(off int64, buf []byte) error {
	if !cs.held {
		return ErrInfeasible
	}
	return cs.f.ReadInCriticalSection(off, buf)
}

// Write writes within the critical section.
func (cs *CriticalSection) Write(off int64, buf []byte) error {
	if !cs.held {
		return ErrInfeasible
	}
	return cs.f.WriteInCriticalSection(off, buf)
}

// Exit releases the lock and returns the size observed at release. It is
// idempotent: further calls return the last observed size.
func (cs *CriticalSection) Exit() int64 {
	if !cs.held {
		return cs.size
	}
	cs.held = false
	cs.size = cs.f.Unlock()
	return cs.size
}
