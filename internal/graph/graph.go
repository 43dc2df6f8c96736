// Package graph implements the whole-program persistence graph and the
// subgraph/downset-enumeration machinery shared by internal/pmgraph and
// internal/posixgraph.
//
// Vertices are dense integers (slice indices); each carries a reference to
// the originating trace.Event. The graph itself says nothing about how
// edges are derived — that is pmgraph/posixgraph's job — only how a graph
// is built, reduced, and enumerated once it exists.
package graph

import "github.com/calvinalkan/pathfinder/internal/trace"

// Vertex is a dense vertex id within a [Graph] or [Subgraph].
type Vertex int

// Graph is a whole-program happens-before DAG: one vertex per trace event
// considered, plus directed edges recording persistence dependencies.
type Graph struct {
	events []*trace.Event
	// out[v] lists v's successors; in-degree is derived on demand by
	// callers that need it (Subgraph tracks its own).
	out [][]Vertex
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddVertex appends a new vertex carrying ev and returns its id.
func (g *Graph) AddVertex(ev *trace.Event) Vertex {
	id := Vertex(len(g.events))
	g.events = append(g.events, ev)
	g.out = append(g.out, nil)

	return id
}

// AddEdge adds a directed edge u -> v. Callers are responsible for
// avoiding duplicate edges if that matters to them; Subgraph's reduction
// tolerates duplicates.
func (g *Graph) AddEdge(u, v Vertex) {
	g.out[u] = append(g.out[u], v)
}

// Event returns the trace event carried by vertex v.
func (g *Graph) Event(v Vertex) *trace.Event {
	return g.events[v]
}

// Len returns the number of vertices in g.
func (g *Graph) Len() int { return len(g.events) }

// Successors returns v's direct successors.
func (g *Graph) Successors(v Vertex) []Vertex { return g.out[v] }
