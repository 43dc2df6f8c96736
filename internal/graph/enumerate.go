package graph

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/calvinalkan/pathfinder/internal/trace"
)

// MaxPerms is the soft cap on emitted downsets, an anti-OOM guard that is
// part of the behavioral contract since crossing it changes results.
const MaxPerms = 512

// Enumerator implements the downset DFS: starting from the shadow root,
// it emits every downset (antichain-closed prefix) of a reduced
// [Subgraph], including the empty downset (the crash-before-anything-
// applied ordering) and excluding only the shadow root itself.
//
// Distinct insertion orders of mutually incomparable vertices reach the
// same downset along different recursion paths; Enumerator deduplicates
// by the resulting vertex set so each downset is reported exactly once -
// every downset, not every linear extension.
type Enumerator struct {
	s *Subgraph
}

// NewEnumerator returns an Enumerator over the reduced subgraph s.
// s.Reduce() (and, for POSIX, s.ContractSyncFamily()) must already have
// been called.
func NewEnumerator(s *Subgraph) *Enumerator {
	return &Enumerator{s: s}
}

// Enumerate runs the downset DFS. cancel is polled at every recursion
// entry; when observed true, the search unwinds cooperatively and returns
// whatever was accumulated so far along with truncated=true. The search
// also stops, with truncated=true, once [MaxPerms] distinct downsets have
// been accumulated.
//
// Output sets are original whole-program vertex ids ([trace.VertexID]),
// mapped back via the subgraph's original-vertex mapping.
func (e *Enumerator) Enumerate(cancel *atomic.Bool) ([][]trace.VertexID, bool) {
	n := e.s.Len()
	total := e.s.numVertices()

	inDegree := make([]int, total)
	for u := 0; u < total; u++ {
		for _, v := range e.s.out[localVertex(u)] {
			inDegree[v]++
		}
	}

	visited := make([]bool, total)
	current := make([]localVertex, 0, n)

	seen := make(map[string]bool)

	var out [][]trace.VertexID

	// The empty downset (no real vertex applied, shadow root only) is a
	// legal ordering in its own right: a size-1 representative yields two
	// orders, the empty one and the singleton, not just the singleton.
	// dfs never emits it on its own since it only records a downset when
	// the visited vertex is not the shadow root.
	seen[canonicalKey(nil, e.s.shadowRoot)] = true
	out = append(out, []trace.VertexID{})

	truncated := false

	var dfs func()

	dfs = func() {
		if truncated {
			return
		}

		if cancel != nil && cancel.Load() {
			truncated = true

			return
		}

		for v := 0; v < total; v++ {
			lv := localVertex(v)

			if visited[lv] || inDegree[lv] != 0 {
				continue
			}

			visited[lv] = true
			current = append(current, lv)

			for _, succ := range e.s.out[lv] {
				inDegree[succ]--
			}

			if lv != e.s.shadowRoot {
				key := canonicalKey(current, e.s.shadowRoot)

				if !seen[key] {
					seen[key] = true

					if len(out) >= MaxPerms {
						truncated = true
					} else {
						out = append(out, e.materialize(current))
					}
				}
			}

			if len(out) >= MaxPerms {
				truncated = true
			}

			dfs()

			for _, succ := range e.s.out[lv] {
				inDegree[succ]++
			}

			current = current[:len(current)-1]
			visited[lv] = false

			if truncated {
				return
			}
		}
	}

	dfs()

	return out, truncated
}

func canonicalKey(current []localVertex, root localVertex) string {
	ids := make([]int, 0, len(current))

	for _, v := range current {
		if v != root {
			ids = append(ids, int(v))
		}
	}

	sort.Ints(ids)

	b := strings.Builder{}

	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(strconv.Itoa(id))
	}

	return b.String()
}

func (e *Enumerator) materialize(current []localVertex) []trace.VertexID {
	out := make([]trace.VertexID, 0, len(current))

	for _, v := range current {
		if v == e.s.shadowRoot {
			continue
		}

		out = append(out, e.s.Event(int(v)).Timestamp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
