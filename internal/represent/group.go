package represent

import (
	"sort"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/ummech"
)

// Relation selects which of the two relations Group uses to decide
// whether a candidate UM belongs in an existing group.
type Relation int

const (
	// RelationCovers is the PM-default "crash-state covers" relation:
	// S covers L iff L has no extra constraints compared to S.
	RelationCovers Relation = iota

	// RelationInducedSubgraph is always used for POSIX, and optional
	// for PM.
	RelationInducedSubgraph
)

// GroupConfig configures Group.
type GroupConfig struct {
	Relation Relation
	Eq       EquivalenceFunc
}

func (cfg GroupConfig) relate(l, s ummech.UM, g *graph.Graph) bool {
	switch cfg.Relation {
	case RelationInducedSubgraph:
		return InducedSubgraph(l, s, g, cfg.Eq)
	default:
		return Covers(l, s, g, cfg.Eq)
	}
}

// Group sorts UMs by ascending internal-edge count, then stable-sorts by
// descending size. For each UM, it is placed in every existing group
// whose representative relates to it; if none does, a new group starts
// with it as the representative. Within a final group, element 0 stays
// the representative.
func Group(ums []ummech.UM, g *graph.Graph, cfg GroupConfig) []ummech.Group {
	ordered := append([]ummech.UM(nil), ums...)

	sort.SliceStable(ordered, func(i, j int) bool {
		return internalEdgeCount(g, ordered[i]) < internalEdgeCount(g, ordered[j])
	})

	// Applying a second stable sort by size alone keeps equal-size UMs
	// in their prior (edge-ascending) relative order: "sort by ascending
	// edges, then stable-sort by descending size" read as a sequential
	// composition.
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})

	var groups []*ummech.Group

	for _, u := range ordered {
		placed := false

		for _, grp := range groups {
			rep := grp.Representative()
			if cfg.relate(rep, u, g) {
				grp.Add(u)
				placed = true
			}
		}

		if !placed {
			newGrp := ummech.NewGroup(u)
			groups = append(groups, &newGrp)
		}
	}

	out := make([]ummech.Group, len(groups))
	for i, grp := range groups {
		out[i] = *grp
	}

	return out
}

func internalEdgeCount(g *graph.Graph, um ummech.UM) int {
	member := make(map[graph.Vertex]bool, len(um))
	for _, v := range um {
		member[v] = true
	}

	count := 0

	for _, v := range um {
		for _, succ := range g.Successors(v) {
			if member[succ] {
				count++
			}
		}
	}

	return count
}
