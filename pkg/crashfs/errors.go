package crashfs

import (
	"errors"
	"fmt"
)

// ErrScratch marks errors originating from crashfs internals.
//
// Use [errors.Is] with this sentinel to detect crashfs-generated errors.
var ErrScratch = errors.New("crashfs")

type scratchError struct {
	op  string
	err error
}

func (e *scratchError) Error() string { return fmt.Sprintf("crashfs: %s: %v", e.op, e.err) }

func (e *scratchError) Unwrap() error { return e.err }

func (*scratchError) Is(target error) bool { return target == ErrScratch }

// ScratchErr wraps a crashfs-internal error with a consistent prefix.
//
// op must be static; put dynamic values in err via fmt.Errorf. Panics if err
// is nil.
func ScratchErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("crashfs: internal error: nil error for %q", op))
	}

	return &scratchError{op: op, err: err}
}
