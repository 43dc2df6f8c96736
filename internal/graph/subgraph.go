package graph

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/pathfinder/internal/trace"
)

// localVertex is a dense index into a [Subgraph]'s own vertex space,
// distinct from the whole-program [Vertex] space. The shadow root always
// occupies the last index.
type localVertex int

// Subgraph is the induced subgraph H: a copy of a vertex subset V' of a
// whole-program [Graph], with a synthetic shadow root connected to every
// originally-indegree-zero vertex.
type Subgraph struct {
	g *Graph

	// members[i] is the original Vertex that local vertex i represents.
	members []Vertex
	toLocal map[Vertex]localVertex

	shadowRoot localVertex

	out [][]localVertex
}

// ErrGraph marks errors from subgraph construction/enumeration.
var ErrGraph = errors.New("graph")

type graphError struct {
	op  string
	err error
}

func (e *graphError) Error() string { return fmt.Sprintf("graph: %s: %v", e.op, e.err) }

func (e *graphError) Unwrap() error { return e.err }

func (*graphError) Is(target error) bool { return target == ErrGraph }

// GraphErr wraps an internal error with a consistent prefix.
func GraphErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("graph: internal error: nil error for %q", op))
	}

	return &graphError{op: op, err: err}
}

// BuildSubgraph copies vertices, copies edges between them, and connects
// a synthetic shadow root to every vertex with zero in-degree among the
// copied set. Transitive reduction (Reduce) and, for POSIX, sync-family
// contraction (ContractSyncFamily) are separate steps the caller runs
// afterward, in that order.
func BuildSubgraph(g *Graph, vertices []Vertex) (*Subgraph, error) {
	if g == nil {
		return nil, GraphErr("build subgraph", errors.New("graph is nil"))
	}

	members := make([]Vertex, len(vertices))
	copy(members, vertices)

	toLocal := make(map[Vertex]localVertex, len(members))
	for i, v := range members {
		toLocal[v] = localVertex(i)
	}

	shadowRoot := localVertex(len(members))

	s := &Subgraph{
		g:          g,
		members:    members,
		toLocal:    toLocal,
		shadowRoot: shadowRoot,
		out:        make([][]localVertex, len(members)+1),
	}

	inDegree := make([]int, len(members))

	for origU, lu := range toLocal {
		for _, origV := range g.Successors(origU) {
			lv, ok := toLocal[origV]
			if !ok {
				continue
			}

			s.out[lu] = append(s.out[lu], lv)
			inDegree[lv]++
		}
	}

	for lv, deg := range inDegree {
		if deg == 0 {
			s.out[shadowRoot] = append(s.out[shadowRoot], localVertex(lv))
		}
	}

	return s, nil
}

// Len returns the number of non-root vertices in s.
func (s *Subgraph) Len() int { return len(s.members) }

// Event returns the trace event for the original vertex at local index i.
func (s *Subgraph) Event(i int) *trace.Event {
	return s.g.Event(s.members[i])
}

// Original maps a local vertex index back to its whole-program [Vertex].
func (s *Subgraph) Original(i int) Vertex { return s.members[i] }

func (s *Subgraph) numVertices() int { return len(s.out) }

func (s *Subgraph) reverseEdges() [][]localVertex {
	rev := make([][]localVertex, s.numVertices())

	for u := range s.out {
		for _, v := range s.out[u] {
			rev[v] = append(rev[v], localVertex(u))
		}
	}

	return rev
}
