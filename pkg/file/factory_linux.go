//go:build linux
// +build linux

package file

var (
	_ File = (*BlockParallelFile)(nil)
	_ File = (*BlockAtomicFile)(nil)
)

// NewFileByName returns an unopened backend selected by name:
// "block_parallel", "block_atomic" or "std".
func NewFileByName(name string) (File, error) {
	switch name {
	case "block_parallel":
		return NewBlockParallelFile(), nil
	case "block_atomic":
		return NewBlockAtomicFile(), nil
	case "std":
		return NewStdFile(), nil
	default:
		return nil, ErrInvalidArg
	}
}
