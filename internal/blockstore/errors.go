package blockstore

import (
	"errors"
	"fmt"
)

// ErrIllegalState marks a broken invariant: a programming error in the caller
// or in the store, never a recoverable race. Store operations raise it by
// panicking with an error that wraps it.
var ErrIllegalState = errors.New("blockstore: illegal state")

var (
	// ErrCapacityExhausted is raised when the overflow store would grow past
	// the maximum size implied by its reserved index range.
	ErrCapacityExhausted = fmt.Errorf("%w: overflow capacity exhausted", ErrIllegalState)
	// ErrCompressing is raised when a store is accessed while Compress runs.
	ErrCompressing = fmt.Errorf("%w: store accessed during compression", ErrIllegalState)
)

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIllegalState}, args...)...)
}

// Recover converts a panic raised by a store operation into an error.
// Panics that do not carry an ErrIllegalState error are re-raised.
//
//	defer blockstore.Recover(&err)
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if err, ok := r.(error); ok && errors.Is(err, ErrIllegalState) {
		*errp = err
		return
	}
	panic(r)
}
