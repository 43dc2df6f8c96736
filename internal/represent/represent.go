// Package represent implements the representative relations between
// Update Mechanisms: induced-subgraph and crash-state-covers comparisons,
// and the grouping algorithm built on top of them.
package represent

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/ummech"
)

// ErrRepresent marks errors from representative-relation evaluation.
var ErrRepresent = errors.New("represent")

type representError struct {
	op  string
	err error
}

func (e *representError) Error() string { return fmt.Sprintf("represent: %s: %v", e.op, e.err) }

func (e *representError) Unwrap() error { return e.err }

func (*representError) Is(target error) bool { return target == ErrRepresent }

// RepresentErr wraps an internal error with a consistent prefix.
func RepresentErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("represent: internal error: nil error for %q", op))
	}

	return &representError{op: op, err: err}
}

// EquivalenceFunc decides whether vertex s (from the candidate UM) and
// vertex l (from the reference UM) are equivalent for the purpose of
// building the σ mapping. Callers supply the PM variant (same field of T,
// falling back to stack-trace equality for scalar/pointer types) or the
// POSIX variant (matching backtrace frame at function F, or
// full-backtrace equality if F is absent) as a closure over whatever side
// information (TypeOracle, function name) it needs.
type EquivalenceFunc func(s, l graph.Vertex) bool

// buildSigma constructs σ: scan s in order, and for each element pick the
// first unmapped element of l for which eq holds. ok is false if some
// element of s could not be mapped.
func buildSigma(l, s ummech.UM, eq EquivalenceFunc) (sigma map[graph.Vertex]graph.Vertex, ok bool) {
	sigma = make(map[graph.Vertex]graph.Vertex, len(s))
	used := make(map[graph.Vertex]bool, len(l))

	for _, sv := range s {
		mapped := false

		for _, lv := range l {
			if used[lv] {
				continue
			}

			if eq(sv, lv) {
				sigma[sv] = lv
				used[lv] = true
				mapped = true

				break
			}
		}

		if !mapped {
			return nil, false
		}
	}

	return sigma, true
}

type edge struct {
	u, v graph.Vertex
}

// edgesWithin returns the set of g's edges with both endpoints in vs.
func edgesWithin(g *graph.Graph, vs []graph.Vertex) map[edge]bool {
	member := make(map[graph.Vertex]bool, len(vs))
	for _, v := range vs {
		member[v] = true
	}

	out := map[edge]bool{}

	for _, v := range vs {
		for _, succ := range g.Successors(v) {
			if member[succ] {
				out[edge{u: v, v: succ}] = true
			}
		}
	}

	return out
}

func imageOf(sigma map[graph.Vertex]graph.Vertex) []graph.Vertex {
	out := make([]graph.Vertex, 0, len(sigma))
	for _, lv := range sigma {
		out = append(out, lv)
	}

	return out
}

func mapEdges(edges map[edge]bool, sigma map[graph.Vertex]graph.Vertex) map[edge]bool {
	out := make(map[edge]bool, len(edges))

	for e := range edges {
		out[edge{u: sigma[e.u], v: sigma[e.v]}] = true
	}

	return out
}

func edgeSetsEqual(a, b map[edge]bool) bool {
	if len(a) != len(b) {
		return false
	}

	for e := range a {
		if !b[e] {
			return false
		}
	}

	return true
}

func edgeSetSubset(sub, super map[edge]bool) bool {
	for e := range sub {
		if !super[e] {
			return false
		}
	}

	return true
}

// InducedSubgraph implements the induced-subgraph relation:
// S⊆L ⟺ σ(E_S) == E_L, where σ maps S into L via eq and E_L is
// restricted to σ's image (not all of L).
func InducedSubgraph(l, s ummech.UM, g *graph.Graph, eq EquivalenceFunc) bool {
	sigma, ok := buildSigma(l, s, eq)
	if !ok {
		return false
	}

	eS := edgesWithin(g, s)
	eL := edgesWithin(g, imageOf(sigma))

	return edgeSetsEqual(mapEdges(eS, sigma), eL)
}

// Covers implements the covers relation: S covers L ⟺ E_L ⊆ σ(E_S). L's
// crash states are then a subset of S's (S has no fewer constraints), so
// testing S's representative suffices for L.
func Covers(l, s ummech.UM, g *graph.Graph, eq EquivalenceFunc) bool {
	sigma, ok := buildSigma(l, s, eq)
	if !ok {
		return false
	}

	eS := edgesWithin(g, s)
	eL := edgesWithin(g, imageOf(sigma))

	return edgeSetSubset(eL, mapEdges(eS, sigma))
}
