// Package pmgraph builds the persistent-memory persistence graph with a
// single forward pass over a PM trace that tracks dirty, flushed, and
// durable ("clean") cacheline ranges and emits edges for every
// write-before-read-back dependency the Intel-TSO persistence model
// implies.
package pmgraph

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

// ErrPMGraph marks errors from PM graph construction.
var ErrPMGraph = errors.New("pmgraph")

type pmGraphError struct {
	op  string
	err error
}

func (e *pmGraphError) Error() string { return fmt.Sprintf("pmgraph: %s: %v", e.op, e.err) }

func (e *pmGraphError) Unwrap() error { return e.err }

func (*pmGraphError) Is(target error) bool { return target == ErrPMGraph }

// PMGraphErr wraps an internal error with a consistent prefix.
func PMGraphErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("pmgraph: internal error: nil error for %q", op))
	}

	return &pmGraphError{op: op, err: err}
}

// Build walks tr once, maintaining dirtyTree/flushTree (interval-keyed by
// cacheline range) and cleanList (durable baseline, insertion order), and
// emits edges per event kind.
//
// clean_list expansion is deliberately deferred to Fence/MSync and never
// performed early: a fenced-but-unread flush_tree range only becomes an
// ordering constraint against later stores once it has actually been
// drained into clean_list.
func Build(tr *trace.Trace) (*graph.Graph, error) {
	if tr == nil {
		return nil, PMGraphErr("build", errors.New("trace is nil"))
	}

	g := graph.NewGraph()
	vertices := make([]graph.Vertex, len(tr.Events))

	for i := range tr.Events {
		vertices[i] = g.AddVertex(&tr.Events[i])
	}

	b := &builder{
		g:         g,
		dirtyTree: graph.NewIntervalSet[graph.Vertex](),
		flushTree: graph.NewIntervalSet[graph.Vertex](),
	}

	for i, ev := range tr.Events {
		v := vertices[i]

		switch ev.Kind {
		case trace.KindStore:
			b.onStore(v, ev)
		case trace.KindFlush:
			b.onFlush(ev)
		case trace.KindFence:
			b.onFence()
		case trace.KindMSync:
			b.onMSync(ev)
		}
	}

	return g, nil
}

type builder struct {
	g *graph.Graph

	dirtyTree *graph.IntervalSet[graph.Vertex]
	flushTree *graph.IntervalSet[graph.Vertex]
	cleanList []graph.Vertex
}

func eqVertex(a, b graph.Vertex) bool { return a == b }

func (b *builder) ts(v graph.Vertex) int64 { return b.g.Event(v).Timestamp }

func (b *builder) addEdge(u, v graph.Vertex) { b.g.AddEdge(u, v) }

func (b *builder) onStore(s graph.Vertex, ev trace.Event) {
	clr := toInterval(trace.CacheLineRange(ev.Addr, ev.Size))

	for _, overlapped := range b.flushTree.PopOverlapping(clr) {
		o := overlapped.Value

		for _, p := range b.cleanList {
			if b.ts(p) < b.ts(o) {
				b.addEdge(p, o)
			}
		}
	}

	for _, overlapped := range b.dirtyTree.PopOverlapping(clr) {
		b.addEdge(overlapped.Value, s)
	}

	for _, p := range b.cleanList {
		b.addEdge(p, s)
	}

	b.dirtyTree.Insert(clr, s, eqVertex)
}

func (b *builder) onFlush(ev trace.Event) {
	clr := toInterval(trace.CacheLineRange(ev.Addr, ev.Size))

	for _, moved := range b.dirtyTree.PopOverlapping(clr) {
		b.flushTree.Insert(moved.Span, moved.Value, eqVertex)
	}
}

func (b *builder) onFence() {
	b.cleanList = append(b.cleanList, b.flushTree.Drain()...)
}

func (b *builder) onMSync(ev trace.Event) {
	clr := toInterval(trace.CacheLineRange(ev.Addr, ev.Size))

	for _, moved := range b.dirtyTree.PopOverlapping(clr) {
		b.cleanList = append(b.cleanList, moved.Value)
	}
}

func toInterval(r trace.Range) graph.Interval {
	return graph.Interval{Lo: r.First, Hi: r.Last}
}
