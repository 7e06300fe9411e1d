//go:build linux
// +build linux

package file

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/keystonekv/blockfs/internal/allocator"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	fileMode = 0644

	// Sizing of the scratch pages used for direct I/O transfers.
	directBlocksPerPage = 64
	directMaxPages      = 8

	// Stripe count for the per-block locks serializing unaligned edge
	// writes on the direct path.
	directEdgeStripes = 64
)

// blockFile is the shared core of BlockParallelFile and BlockAtomicFile:
// positional pread/pwrite on a descriptor, an atomically reserved logical
// size, a geometrically grown block-aligned physical extent, an optional
// in-memory head buffer and optional O_DIRECT transfers through aligned
// scratch pages.
//
// Read, Write, Append and Expand are safe under concurrent invocation.
// Open, Close, Truncate, Synchronize, Rename and the strategy setters are
// not and must be serialized by the caller (or by the atomic wrapper).
type blockFile struct {
	fd       int
	path     string
	writable bool
	opts     OpenOptions
	opened   atomic.Bool

	blockSize   int64
	headSize    int64
	accessOpts  AccessOptions
	directIO    bool
	allocInit   int64
	allocFactor float64

	size     atomic.Int64 // logical size
	physSize atomic.Int64 // allocated extent, block-aligned while writing
	growMu   sync.Mutex

	headMu    sync.RWMutex
	head      *allocator.Page
	headDirty bool

	pages  *allocator.AlignedPageAllocator
	edgeMu [directEdgeStripes]sync.Mutex

	csMu   sync.Mutex
	csHeld atomic.Bool
}

func newBlockFile() *blockFile {
	return &blockFile{
		fd:          -1,
		blockSize:   DefaultBlockSize,
		allocInit:   DefaultAllocInitSize,
		allocFactor: DefaultAllocIncFactor,
	}
}

func (f *blockFile) SetAccessStrategy(blockSize, headBufferSize int64, options AccessOptions) error {
	if f.opened.Load() {
		return ErrInfeasible
	}
	if blockSize <= 0 {
		return ErrInvalidArg
	}
	if options&AccessDirect != 0 && blockSize%512 != 0 {
		return ErrInvalidArg
	}
	f.blockSize = blockSize
	if headBufferSize > 0 {
		f.headSize = alignUp(headBufferSize, blockSize)
	} else {
		f.headSize = 0
	}
	f.accessOpts = options
	return nil
}

func (f *blockFile) SetAllocationStrategy(initSize int64, incFactor float64) error {
	if f.opened.Load() {
		return ErrInfeasible
	}
	if initSize <= 0 || incFactor < 1.0 {
		return ErrInvalidArg
	}
	f.allocInit = initSize
	f.allocFactor = incFactor
	return nil
}

func (f *blockFile) Open(path string, writable bool, options OpenOptions) error {
	if f.opened.Load() {
		return ErrAlreadyOpen
	}
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
		if options&OpenNoCreate == 0 {
			flags |= unix.O_CREAT
		}
		if options&OpenTruncate != 0 {
			flags |= unix.O_TRUNC
		}
	}
	if f.accessOpts&AccessSync != 0 {
		flags |= unix.O_DSYNC
	}

	f.directIO = false
	fd := -1
	var err error
	if f.accessOpts&AccessDirect != 0 {
		fd, err = unix.Open(path, flags|unix.O_DIRECT, fileMode)
		if err == nil {
			f.directIO = true
		} else {
			log.Warn().Msgf("O_DIRECT not supported, falling back to regular flags: %v", err)
		}
	}
	if fd < 0 {
		fd, err = unix.Open(path, flags, fileMode)
		if err != nil {
			return classifyOSError(err)
		}
	}

	if options&OpenNoLock == 0 {
		how := unix.LOCK_SH
		if writable {
			how = unix.LOCK_EX
		}
		if options&OpenNoWait != 0 {
			how |= unix.LOCK_NB
		}
		if err := unix.Flock(fd, how); err != nil {
			unix.Close(fd)
			return classifyOSError(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return classifyOSError(err)
	}
	size := st.Size
	phys := alignUp(size, f.blockSize)
	if writable && phys > size {
		if err := unix.Ftruncate(fd, phys); err != nil {
			unix.Flock(fd, unix.LOCK_UN)
			unix.Close(fd)
			return classifyOSError(err)
		}
	}

	if f.directIO {
		f.pages = allocator.NewAlignedPageAllocator(allocator.AlignedPageAllocatorConfig{
			BlockSize:     f.blockSize,
			BlocksPerPage: directBlocksPerPage,
			MaxPages:      directMaxPages,
		})
	}

	if f.headSize > 0 {
		page, err := allocator.NewAlignedPage(int(f.headSize))
		if err != nil {
			unix.Flock(fd, unix.LOCK_UN)
			unix.Close(fd)
			return classifyOSError(err)
		}
		if writable && phys < f.headSize {
			if err := unix.Ftruncate(fd, f.headSize); err != nil {
				allocator.Unmap(page)
				unix.Flock(fd, unix.LOCK_UN)
				unix.Close(fd)
				return classifyOSError(err)
			}
			phys = f.headSize
		}
		if load := minInt64(alignUp(size, f.blockSize), f.headSize); load > 0 {
			if _, err := preadFull(fd, page.Buf[:load], 0); err != nil {
				allocator.Unmap(page)
				unix.Flock(fd, unix.LOCK_UN)
				unix.Close(fd)
				return err
			}
		}
		f.head = page
		f.headDirty = false
	}

	f.fd = fd
	f.path = path
	f.writable = writable
	f.opts = options
	f.size.Store(size)
	f.physSize.Store(phys)
	f.opened.Store(true)
	return nil
}

func (f *blockFile) Close() error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	var firstErr error
	if f.writable {
		if err := f.flushHead(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Ftruncate(f.fd, f.size.Load()); err != nil && firstErr == nil {
			firstErr = classifyOSError(err)
		}
		if f.opts&OpenSyncHard != 0 {
			if err := unix.Fsync(f.fd); err != nil && firstErr == nil {
				firstErr = classifyOSError(err)
			}
		}
	}
	if f.head != nil {
		allocator.Unmap(f.head)
		f.head = nil
	}
	if f.pages != nil {
		f.pages.Release()
		f.pages = nil
	}
	if f.opts&OpenNoLock == 0 {
		unix.Flock(f.fd, unix.LOCK_UN)
	}
	if err := unix.Close(f.fd); err != nil && firstErr == nil {
		firstErr = classifyOSError(err)
	}
	f.fd = -1
	f.opened.Store(false)
	if f.csHeld.Swap(false) {
		f.csMu.Unlock()
	}
	return firstErr
}

func (f *blockFile) Read(off int64, buf []byte) error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	if off < 0 {
		return ErrInvalidArg
	}
	end := off + int64(len(buf))
	if end > f.size.Load() {
		return ErrInfeasible
	}
	if f.head != nil && off < f.headSize {
		n := minInt64(end, f.headSize) - off
		f.headMu.RLock()
		copy(buf[:n], f.head.Buf[off:off+n])
		f.headMu.RUnlock()
		off += n
		buf = buf[n:]
	}
	if len(buf) == 0 {
		return nil
	}
	return f.readBlocks(off, buf)
}

func (f *blockFile) Write(off int64, buf []byte) error {
	if off < 0 {
		return ErrInvalidArg
	}
	if err := f.writeAt(off, buf); err != nil {
		return err
	}
	f.noteSize(off + int64(len(buf)))
	return nil
}

func (f *blockFile) Append(buf []byte) (int64, error) {
	if !f.opened.Load() {
		return 0, ErrNotOpen
	}
	if !f.writable {
		return 0, ErrNotWritable
	}
	n := int64(len(buf))
	off := f.size.Add(n) - n
	if err := f.writeAt(off, buf); err != nil {
		// Best-effort rollback of the reservation. It fails if another
		// reservation already moved past this one; that later write
		// keeps the size honest.
		f.size.CompareAndSwap(off+n, off)
		return 0, err
	}
	return off, nil
}

func (f *blockFile) Expand(incSize int64) (int64, error) {
	if !f.opened.Load() {
		return 0, ErrNotOpen
	}
	if !f.writable {
		return 0, ErrNotWritable
	}
	if incSize < 0 {
		return 0, ErrInvalidArg
	}
	old := f.size.Add(incSize) - incSize
	if err := f.ensurePhysical(old + incSize); err != nil {
		f.size.CompareAndSwap(old+incSize, old)
		return 0, err
	}
	return old, nil
}

func (f *blockFile) Truncate(size int64) error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	if !f.writable {
		return ErrNotWritable
	}
	if size < 0 {
		return ErrInvalidArg
	}
	phys := alignUp(size, f.blockSize)
	if err := unix.Ftruncate(f.fd, phys); err != nil {
		return classifyOSError(err)
	}
	f.size.Store(size)
	f.physSize.Store(phys)
	if f.head != nil && size < f.headSize {
		f.headMu.Lock()
		zero(f.head.Buf[size:f.headSize])
		f.headDirty = true
		f.headMu.Unlock()
	}
	return nil
}

func (f *blockFile) Synchronize(hard bool) error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	if f.writable {
		if err := f.flushHead(); err != nil {
			return err
		}
		// Trim the padded extent so external tools see the logical size.
		size := f.size.Load()
		if err := unix.Ftruncate(f.fd, size); err != nil {
			return classifyOSError(err)
		}
		f.physSize.Store(size)
	}
	if hard {
		if err := unix.Fsync(f.fd); err != nil {
			return classifyOSError(err)
		}
	}
	return nil
}

func (f *blockFile) Size() (int64, error) {
	if !f.opened.Load() {
		return 0, ErrNotOpen
	}
	return f.size.Load(), nil
}

func (f *blockFile) Path() (string, error) {
	if !f.opened.Load() {
		return "", ErrNotOpen
	}
	return f.path, nil
}

func (f *blockFile) Rename(newPath string) error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	if err := os.Rename(f.path, newPath); err != nil {
		return classifyOSError(err)
	}
	f.path = newPath
	return nil
}

func (f *blockFile) Lock() int64 {
	if !f.opened.Load() {
		return -1
	}
	f.csMu.Lock()
	f.csHeld.Store(true)
	return f.size.Load()
}

func (f *blockFile) Unlock() int64 {
	if !f.opened.Load() {
		return -1
	}
	if !f.csHeld.Swap(false) {
		return -1
	}
	size := f.size.Load()
	f.csMu.Unlock()
	return size
}

func (f *blockFile) ReadInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.Read(off, buf)
}

func (f *blockFile) WriteInCriticalSection(off int64, buf []byte) error {
	if !f.csHeld.Load() {
		return ErrInfeasible
	}
	return f.Write(off, buf)
}

// writeAt performs the head-buffer split and the block write without
// touching the logical size.
func (f *blockFile) writeAt(off int64, buf []byte) error {
	if !f.opened.Load() {
		return ErrNotOpen
	}
	if !f.writable {
		return ErrNotWritable
	}
	end := off + int64(len(buf))
	if err := f.ensurePhysical(end); err != nil {
		return err
	}
	if f.head != nil && off < f.headSize {
		n := minInt64(end, f.headSize) - off
		f.headMu.Lock()
		copy(f.head.Buf[off:off+n], buf[:n])
		f.headDirty = true
		f.headMu.Unlock()
		off += n
		buf = buf[n:]
	}
	if len(buf) == 0 {
		return nil
	}
	return f.writeBlocks(off, buf)
}

// noteSize raises the logical size to at least end.
func (f *blockFile) noteSize(end int64) {
	for {
		cur := f.size.Load()
		if end <= cur || f.size.CompareAndSwap(cur, end) {
			return
		}
	}
}

// ensurePhysical grows the allocated extent to cover end, multiplying by
// the allocation factor to keep reallocation frequency low.
func (f *blockFile) ensurePhysical(end int64) error {
	if end <= f.physSize.Load() {
		return nil
	}
	f.growMu.Lock()
	defer f.growMu.Unlock()
	phys := f.physSize.Load()
	if end <= phys {
		return nil
	}
	target := phys
	if target < f.allocInit {
		target = f.allocInit
	}
	for target < end {
		next := int64(float64(target) * f.allocFactor)
		if next <= target {
			next = target + f.blockSize
		}
		target = next
	}
	target = alignUp(target, f.blockSize)
	if err := unix.Ftruncate(f.fd, target); err != nil {
		return classifyOSError(err)
	}
	f.physSize.Store(target)
	return nil
}

func (f *blockFile) readBlocks(off int64, buf []byte) error {
	if !f.directIO {
		return f.preadCovering(buf, off)
	}
	end := off + int64(len(buf))
	if off%f.blockSize == 0 && int64(len(buf))%f.blockSize == 0 && isAlignedBuffer(buf, f.blockSize) {
		return f.preadCovering(buf, off)
	}
	aOff := alignDown(off, f.blockSize)
	aEnd := alignUp(end, f.blockSize)
	pageSize := f.pages.PageSize()
	for aOff < aEnd {
		page := f.pages.Get()
		chunk := minInt64(pageSize, aEnd-aOff)
		n, err := preadFull(f.fd, page.Buf[:chunk], aOff)
		if err == nil && aOff+int64(n) < minInt64(end, aOff+chunk) {
			err = ErrReadFailed
		}
		if err != nil {
			f.pages.Put(page)
			return err
		}
		lo := maxInt64(off, aOff)
		hi := minInt64(end, aOff+chunk)
		copy(buf[lo-off:hi-off], page.Buf[lo-aOff:hi-aOff])
		f.pages.Put(page)
		aOff += chunk
	}
	return nil
}

func (f *blockFile) writeBlocks(off int64, buf []byte) error {
	if !f.directIO {
		return pwriteFull(f.fd, buf, off)
	}
	end := off + int64(len(buf))
	if off%f.blockSize == 0 && int64(len(buf))%f.blockSize == 0 && isAlignedBuffer(buf, f.blockSize) {
		return pwriteFull(f.fd, buf, off)
	}
	// Edge blocks may be shared with concurrent writers of neighboring
	// disjoint ranges, so each edge read-modify-write runs under a
	// per-block stripe lock. Fully covered blocks carry only this
	// writer's bytes and need no lock.
	if off%f.blockSize != 0 {
		blockOff := alignDown(off, f.blockSize)
		hi := minInt64(end, blockOff+f.blockSize)
		if err := f.rmwEdgeBlock(blockOff, off, buf[:hi-off]); err != nil {
			return err
		}
		buf = buf[hi-off:]
		off = hi
		if len(buf) == 0 {
			return nil
		}
	}
	if end%f.blockSize != 0 {
		blockOff := alignDown(end, f.blockSize)
		if blockOff >= off {
			if err := f.rmwEdgeBlock(blockOff, blockOff, buf[blockOff-off:]); err != nil {
				return err
			}
			buf = buf[:blockOff-off]
			end = blockOff
			if len(buf) == 0 {
				return nil
			}
		}
	}
	// The remaining span is block-aligned but buf itself may not be, so
	// stage it through aligned scratch pages.
	pageSize := f.pages.PageSize()
	for off < end {
		page := f.pages.Get()
		chunk := minInt64(pageSize, end-off)
		copy(page.Buf[:chunk], buf[:chunk])
		if err := pwriteFull(f.fd, page.Buf[:chunk], off); err != nil {
			f.pages.Put(page)
			return err
		}
		f.pages.Put(page)
		off += chunk
		buf = buf[chunk:]
	}
	return nil
}

// rmwEdgeBlock patches bytes [off, off+len(data)) inside the single block
// at blockOff, reading the block, merging and writing it back while holding
// the block's stripe lock.
func (f *blockFile) rmwEdgeBlock(blockOff, off int64, data []byte) error {
	mu := &f.edgeMu[(blockOff/f.blockSize)%directEdgeStripes]
	mu.Lock()
	defer mu.Unlock()
	page := f.pages.Get()
	defer f.pages.Put(page)
	n, err := preadFull(f.fd, page.Buf[:f.blockSize], blockOff)
	if err != nil {
		return err
	}
	zero(page.Buf[n:f.blockSize])
	copy(page.Buf[off-blockOff:], data)
	return pwriteFull(f.fd, page.Buf[:f.blockSize], blockOff)
}

// preadCovering reads into buf at off, failing if the file ends before buf
// is filled.
func (f *blockFile) preadCovering(buf []byte, off int64) error {
	n, err := preadFull(f.fd, buf, off)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return ErrReadFailed
	}
	return nil
}

// flushHead writes the dirty head buffer back in whole blocks. The padding
// past the logical size is trimmed by Synchronize and Close.
func (f *blockFile) flushHead() error {
	if f.head == nil {
		return nil
	}
	f.headMu.Lock()
	defer f.headMu.Unlock()
	if !f.headDirty {
		return nil
	}
	load := minInt64(alignUp(f.size.Load(), f.blockSize), f.headSize)
	if load > 0 {
		if err := pwriteFull(f.fd, f.head.Buf[:load], 0); err != nil {
			return err
		}
	}
	f.headDirty = false
	return nil
}

func preadFull(fd int, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, classifyOSError(err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func pwriteFull(fd int, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Pwrite(fd, buf[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return classifyOSError(err)
		}
		if n == 0 {
			return ErrWriteFailed
		}
		total += n
	}
	return nil
}

func isAlignedBuffer(buf []byte, alignment int64) bool {
	if len(buf) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(alignment) == 0
}

func alignUp(n, block int64) int64 {
	return (n + block - 1) / block * block
}

func alignDown(n, block int64) int64 {
	return n / block * block
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
