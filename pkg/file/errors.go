package file

import (
	"errors"
	"io/fs"
	"syscall"
)

// Sentinel errors returned by File operations. OS-level failures are
// wrapped so errors.Is matches both the sentinel and the underlying error.
var (
	ErrNotOpen      = errors.New("file is not open")
	ErrAlreadyOpen  = errors.New("file is already open")
	ErrNotWritable  = errors.New("file is not writable")
	ErrInvalidArg   = errors.New("invalid argument")
	ErrNotFound     = errors.New("file not found")
	ErrPermission   = errors.New("permission denied")
	ErrInfeasible   = errors.New("operation is infeasible")
	ErrReadFailed   = errors.New("read failed")
	ErrWriteFailed  = errors.New("write failed")
	ErrLockConflict = errors.New("file is locked by another process")
)

// classifyOSError maps an error from the os package or a raw syscall onto
// the sentinel taxonomy. Unrecognized errors pass through unchanged.
func classifyOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return &wrappedError{sentinel: ErrNotFound, cause: err}
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &wrappedError{sentinel: ErrPermission, cause: err}
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
		return &wrappedError{sentinel: ErrLockConflict, cause: err}
	default:
		return err
	}
}

type wrappedError struct {
	sentinel error
	cause    error
}

func (e *wrappedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *wrappedError) Is(target error) bool {
	return errors.Is(e.sentinel, target) || errors.Is(e.cause, target)
}

func (e *wrappedError) Unwrap() error {
	return e.cause
}
