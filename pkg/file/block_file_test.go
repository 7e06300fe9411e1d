//go:build linux
// +build linux

package file

import "testing"

// A handle whose descriptor is gone makes every ftruncate fail, so the
// size reservation must be rolled back and the logical size must stay
// within the physical extent.

func TestAppendRollsBackReservationOnFailure(t *testing.T) {
	f := newBlockFile()
	f.opened.Store(true)
	f.writable = true
	f.size.Store(100)

	if _, err := f.Append(make([]byte, 64)); err == nil {
		t.Fatalf("Expected Append on a dead descriptor to fail")
	}
	if got := f.size.Load(); got != 100 {
		t.Errorf("Expected size 100 after failed append, got %d", got)
	}
}

func TestExpandRollsBackReservationOnFailure(t *testing.T) {
	f := newBlockFile()
	f.opened.Store(true)
	f.writable = true
	f.size.Store(100)

	if _, err := f.Expand(64); err == nil {
		t.Fatalf("Expected Expand on a dead descriptor to fail")
	}
	if got := f.size.Load(); got != 100 {
		t.Errorf("Expected size 100 after failed expand, got %d", got)
	}
}
