//go:build linux
// +build linux

package file

// BlockParallelFile is the block-aligned backend tuned for concurrency:
// reading and writing operations are thread-safe and multiple goroutines
// can access the same handle at once, but atomicity is not assured: a
// concurrent reader may observe a writer's bytes partially. Open, Close,
// Truncate, Synchronize, Rename and the strategy setters are not
// thread-safe.
type BlockParallelFile struct {
	*blockFile
}

func NewBlockParallelFile() *BlockParallelFile {
	return &BlockParallelFile{newBlockFile()}
}

// IsMemoryMapping always returns false: access is slower than a mapped
// file, but the file size can exceed the virtual memory.
func (f *BlockParallelFile) IsMemoryMapping() bool {
	return false
}

// IsAtomic always returns false. Atomicity is not assured and some
// operations are not thread-safe.
func (f *BlockParallelFile) IsAtomic() bool {
	return false
}

// MakeFile returns a new unopened BlockParallelFile.
func (f *BlockParallelFile) MakeFile() File {
	return NewBlockParallelFile()
}
