// Package posixgraph builds the POSIX persistence graph: a vertex per
// non-marker event, with edges computed by evaluating a pairwise
// dependency predicate over every ordered pair of events.
package posixgraph

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

// ErrPOSIXGraph marks errors from POSIX graph construction.
var ErrPOSIXGraph = errors.New("posixgraph")

// ErrScanTooLarge is returned by Build when the number of ordered event
// pairs to scan exceeds cfg.MaxPairwiseScan. It is not fatal: the caller
// may shard the trace by time window (e.g. using selective-testing
// markers) and call Build again per shard.
var ErrScanTooLarge = errors.New("posixgraph: pairwise scan exceeds MaxPairwiseScan")

type posixGraphError struct {
	op  string
	err error
}

func (e *posixGraphError) Error() string { return fmt.Sprintf("posixgraph: %s: %v", e.op, e.err) }

func (e *posixGraphError) Unwrap() error { return e.err }

func (*posixGraphError) Is(target error) bool { return target == ErrPOSIXGraph }

// POSIXGraphErr wraps an internal error with a consistent prefix.
func POSIXGraphErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("posixgraph: internal error: nil error for %q", op))
	}

	return &posixGraphError{op: op, err: err}
}

// sync_file_range flags, named independently of the syscall package per
// internal/trace.decompose.go's convention (traces are Linux-captured
// regardless of host).
const (
	sfrWaitBefore = 1
	sfrWrite      = 2
	sfrWaitAfter  = 4
)

// BuildConfig controls POSIX graph construction.
type BuildConfig struct {
	// DecomposeSyscall enables the decomposed-dependency clause
	// (isDecomposedDependent); it requires tr to have already been
	// passed through trace.DecomposeSyscalls.
	DecomposeSyscall bool

	// MaxPairwiseScan caps the number of ordered event pairs Build will
	// evaluate. Zero means unbounded.
	MaxPairwiseScan int
}

// Build constructs the POSIX persistence graph: one vertex per
// non-marker event, with edges from evaluating isDependent(a, b) for
// every ordered pair (a, b) with ts(a) < ts(b).
func Build(tr *trace.Trace, cfg BuildConfig) (*graph.Graph, error) {
	if tr == nil {
		return nil, POSIXGraphErr("build", errors.New("trace is nil"))
	}

	g := graph.NewGraph()
	vertices := make([]graph.Vertex, 0, len(tr.Events))
	events := make([]*trace.Event, 0, len(tr.Events))

	for i := range tr.Events {
		ev := &tr.Events[i]
		if ev.Kind.IsMarker() {
			continue
		}

		vertices = append(vertices, g.AddVertex(ev))
		events = append(events, ev)
	}

	n := len(events)

	if cfg.MaxPairwiseScan > 0 && n*(n-1)/2 > cfg.MaxPairwiseScan {
		return nil, POSIXGraphErr("build", ErrScanTooLarge)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := events[i], events[j]

			if isDependent(a, b, cfg) {
				g.AddEdge(vertices[i], vertices[j])
			}
		}
	}

	return g, nil
}

// isDependent is the pairwise dependency predicate. Callers must only
// invoke it with ts(a) < ts(b).
func isDependent(a, b *trace.Event, cfg BuildConfig) bool {
	if isSyncFamilyDependent(a, b) {
		return true
	}

	if isCreateVisibilityDependent(a, b) {
		return true
	}

	if isFdDisciplineDependent(a, b) {
		return true
	}

	if isRenameVisibilityDependent(a, b) {
		return true
	}

	if cfg.DecomposeSyscall && isDecomposedDependent(a, b) {
		return true
	}

	return false
}

func isSyncFamilyDependent(a, b *trace.Event) bool {
	switch b.Kind {
	case trace.KindSync, trace.KindSyncfs:
		return a.Kind.IsWriteFamily() || a.Kind == trace.KindFallocate || a.Kind == trace.KindFtruncate
	case trace.KindFsync, trace.KindFdatasync:
		if a.Path == b.Path && a.Path != "" {
			if a.Kind.IsWriteFamily() || a.Kind == trace.KindFallocate || a.Kind == trace.KindFtruncate {
				return true
			}
		}

		// fsync on a directory observes prior rename (old-parent-dir
		// match) and prior fallocate/ftruncate/unlink (parent-dir match).
		if b.Kind == trace.KindFsync {
			if a.Kind == trace.KindRename && dirnameOf(a.Path) == b.Path {
				return true
			}

			if (a.Kind == trace.KindFallocate || a.Kind == trace.KindFtruncate || a.Kind == trace.KindUnlink) &&
				dirnameOf(a.Path) == b.Path {
				return true
			}
		}

		return false
	case trace.KindSyncFileRange:
		if a.Path != b.Path || a.Path == "" {
			return false
		}

		if !a.Kind.IsWriteFamily() {
			return false
		}

		if b.Flags&(sfrWaitBefore|sfrWrite|sfrWaitAfter) != (sfrWaitBefore | sfrWrite | sfrWaitAfter) {
			return false
		}

		if a.BlockRange == nil || b.BlockRange == nil {
			return false
		}

		return a.BlockRange.Overlaps(*b.BlockRange)
	default:
		return false
	}
}

func isCreateVisibilityDependent(a, b *trace.Event) bool {
	if a.Path == "" || a.Path != b.Path {
		return false
	}

	return a.Kind == trace.KindCreat || (a.Kind == trace.KindOpen && a.Flags&oCreat != 0)
}

func isFdDisciplineDependent(a, b *trace.Event) bool {
	if (a.Kind == trace.KindOpen || a.Kind == trace.KindCreat) && a.Fd == b.Fd && b.Kind != trace.KindOpen && b.Kind != trace.KindCreat {
		return true
	}

	if b.Kind == trace.KindClose && a.Fd == b.Fd && a.Kind != trace.KindClose {
		return true
	}

	if a.Kind == trace.KindClose && (b.Kind == trace.KindOpen || b.Kind == trace.KindCreat) && a.Fd == b.Fd {
		return true
	}

	return false
}

func isRenameVisibilityDependent(a, b *trace.Event) bool {
	if a.Kind != trace.KindRename {
		return false
	}

	return (b.Kind == trace.KindOpen || b.Kind == trace.KindCreat) && b.Path == a.NewPath
}

// isDecomposedDependent implements the decomposed-dependency clause over
// micro-events. The "LOG" substring skip is applied here, as-is, rather
// than generalized into a configurable pattern.
func isDecomposedDependent(a, b *trace.Event) bool {
	if hasLogPath(a) || hasLogPath(b) {
		return false
	}

	for _, ma := range a.Micro {
		for _, mb := range b.Micro {
			if microDependent(ma, mb) {
				return true
			}
		}
	}

	return false
}

func microDependent(ma, mb trace.MicroEvent) bool {
	if ma.Path != mb.Path {
		return false
	}

	switch {
	case ma.Kind == trace.MicroDataWrite && mb.Kind == trace.MicroDataWrite:
		return overlaps(ma, mb)
	case mb.Kind == trace.MicroSetAttr && ma.Kind == trace.MicroDataWrite:
		// a write that extends the file: all prior same-file writes
		// are ordered before the extending write's SetAttr.
		return true
	case ma.Kind == trace.MicroSetAttr:
		// a SetAttr on this path orders every later event touching it.
		return true
	case ma.Kind == trace.MicroInodeDirWrite && mb.Kind == trace.MicroInodeDirWrite:
		return true
	case (ma.Kind == trace.MicroAddFileInode || ma.Kind == trace.MicroAddDirInode) &&
		(mb.Kind == trace.MicroSetAttr || mb.Kind == trace.MicroInodeDirWrite):
		return true
	default:
		return false
	}
}

// overlaps compares the two writes' 4096-byte block ranges rather than
// their raw byte ranges, matching a filesystem's block-granularity
// dependency tracking: two writes to disjoint bytes within the same block
// still order each other.
func overlaps(ma, mb trace.MicroEvent) bool {
	return trace.BlockRange(ma.Offset, max64(ma.Len, 1)).Overlaps(trace.BlockRange(mb.Offset, max64(mb.Len, 1)))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

func hasLogPath(ev *trace.Event) bool {
	if trace.IsLogPath(ev.Path) {
		return true
	}

	for _, m := range ev.Micro {
		if trace.IsLogPath(m.Path) {
			return true
		}
	}

	return false
}

// dirnameOf mirrors internal/trace.dirnameOf's unexported convention
// ("." maps to "") so results match the InodeDirWrite/AddDirInode
// micro-event paths decompose.go already produced.
func dirnameOf(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}

	return dir
}

// oCreat mirrors internal/trace's unexported open(2) flag constant;
// duplicated here since posixgraph evaluates Flags without decomposition
// having necessarily run.
const oCreat = 0o100
