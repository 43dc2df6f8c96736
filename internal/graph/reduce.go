package graph

// Reduce performs transitive reduction on s, including the shadow root
// in the reduction (an edge root->v is redundant if v is reachable from
// another root successor).
func (s *Subgraph) Reduce() {
	n := s.numVertices()

	reach := make([]map[localVertex]bool, n)
	for v := 0; v < n; v++ {
		reach[v] = s.reachableFrom(localVertex(v))
	}

	newOut := make([][]localVertex, n)

	for u := 0; u < n; u++ {
		succs := s.out[u]

		for _, v := range succs {
			redundant := false

			for _, w := range succs {
				if w == v {
					continue
				}

				if reach[w][v] {
					redundant = true

					break
				}
			}

			if !redundant {
				newOut[u] = append(newOut[u], v)
			}
		}
	}

	s.out = newOut
}

// reachableFrom returns the set of vertices reachable from start via one
// or more edges (not including start itself unless there's a cycle, which
// a persistence DAG never has).
func (s *Subgraph) reachableFrom(start localVertex) map[localVertex]bool {
	visited := make(map[localVertex]bool)
	stack := append([]localVertex(nil), s.out[start]...)

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[v] {
			continue
		}

		visited[v] = true
		stack = append(stack, s.out[v]...)
	}

	return visited
}

// ContractSyncFamily is POSIX-only: for every sync-family vertex x, every
// predecessor-successor pair (w, y) gets a direct edge w->y if absent,
// then every sync-family vertex is removed from the graph (its adjacency
// cleared in both directions) so downset enumeration only ever orders
// non-sync events.
func (s *Subgraph) ContractSyncFamily(isSyncFamily func(localIdx int) bool) {
	rev := s.reverseEdges()

	for x := 0; x < len(s.members); x++ {
		if !isSyncFamily(x) {
			continue
		}

		preds := rev[localVertex(x)]
		succs := s.out[localVertex(x)]

		for _, w := range preds {
			for _, y := range succs {
				if !s.hasEdge(w, y) {
					s.out[w] = append(s.out[w], y)
				}
			}
		}
	}

	isSync := make(map[localVertex]bool)

	for x := 0; x < len(s.members); x++ {
		if isSyncFamily(x) {
			isSync[localVertex(x)] = true
		}
	}

	for u := range s.out {
		if isSync[localVertex(u)] {
			s.out[u] = nil

			continue
		}

		filtered := s.out[u][:0]

		for _, v := range s.out[u] {
			if !isSync[v] {
				filtered = append(filtered, v)
			}
		}

		s.out[u] = filtered
	}
}

func (s *Subgraph) hasEdge(u, v localVertex) bool {
	for _, x := range s.out[u] {
		if x == v {
			return true
		}
	}

	return false
}
