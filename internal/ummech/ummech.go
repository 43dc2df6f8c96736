// Package ummech implements the update-mechanism extractors: PM
// epoch/field splitting per (type, instance address), and POSIX
// backtrace stack-tree clustering per thread.
package ummech

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/pathfinder/internal/graph"
)

// UM is a non-empty, timestamp-ordered sequence of vertices: an Update
// Mechanism, one atomic unit a crash can observe partially applied.
type UM []graph.Vertex

// ErrUMMech marks errors from update-mechanism extraction.
var ErrUMMech = errors.New("ummech")

type ummechError struct {
	op  string
	err error
}

func (e *ummechError) Error() string { return fmt.Sprintf("ummech: %s: %v", e.op, e.err) }

func (e *ummechError) Unwrap() error { return e.err }

func (*ummechError) Is(target error) bool { return target == ErrUMMech }

// UMMechErr wraps an internal error with a consistent prefix.
func UMMechErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("ummech: internal error: nil error for %q", op))
	}

	return &ummechError{op: op, err: err}
}
