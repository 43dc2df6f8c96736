package ummech

import (
	"errors"
	"sort"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

// DefaultMaxUMSize bounds an InUM run before it is force-closed, the
// "max_um_size" default.
const DefaultMaxUMSize = 40

// marginEvents is the ±N-event window added around a POSIX
// representative before enumeration.
const marginEvents = 3

// ExtractPOSIX implements the POSIX update-mechanism extractor: for each
// thread, a per-thread stack tree is built by walking adjacent events and
// running an Idle/InUM state machine; after ingesting every thread the
// combined tree is compacted, then every surviving non-root node is
// bagged (gathering UMs from that node and its descendants) and each UM
// in the bag is re-clustered by a DBSCAN (ε=10, min_pts=1) pass before
// being keyed by function name. Grouping by the induced-subgraph-in-
// function relation happens afterward, once per key, in
// internal/represent.
func ExtractPOSIX(g *graph.Graph, maxUMSize int) (map[string][]UM, error) {
	if g == nil {
		return nil, UMMechErr("extractposix", errNilGraph)
	}

	if maxUMSize <= 0 {
		maxUMSize = DefaultMaxUMSize
	}

	byTid := map[int64][]graph.Vertex{}
	for i := 0; i < g.Len(); i++ {
		v := graph.Vertex(i)
		tid := g.Event(v).Tid
		byTid[tid] = append(byTid[tid], v)
	}

	tids := make([]int64, 0, len(byTid))
	for tid := range byTid {
		tids = append(tids, tid)
	}

	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	tree := newStackTree()

	for _, tid := range tids {
		vs := byTid[tid]
		sort.Slice(vs, func(i, j int) bool {
			return g.Event(vs[i]).Timestamp < g.Event(vs[j]).Timestamp
		})

		runThread(g, tree, vs, maxUMSize)
	}

	tree.compact()

	out := map[string][]UM{}

	for _, idx := range tree.aliveNonRootIndices() {
		fn := tree.nodes[idx].function

		for _, um := range tree.subtreeUMs(idx) {
			out[fn] = append(out[fn], dbscanSplit(g, um)...)
		}
	}

	return out, nil
}

// thread state for the Idle/InUM machine.
type threadState struct {
	inUM        bool
	um          []graph.Vertex
	activeDepth int
	protocol    []string // path from root to current_protocol, for attach
}

func runThread(g *graph.Graph, tree *stackTree, vs []graph.Vertex, maxUMSize int) {
	st := &threadState{}

	closeAndAttach := func() {
		if len(st.um) == 0 {
			return
		}

		idx := tree.descend(st.protocol)
		tree.attach(idx, append(UM(nil), st.um...))
		st.um = nil
	}

	for i := 0; i+1 < len(vs); i++ {
		l, r := vs[i], vs[i+1]

		lEv, rEv := g.Event(l), g.Event(r)
		lFuncs, rFuncs := resolvedFuncs(lEv), resolvedFuncs(rEv)
		d := commonPrefixDepth(lFuncs, rFuncs)
		path := protocolPath(lFuncs, d)

		switch {
		case !st.inUM:
			st.um = []graph.Vertex{l, r}
			st.activeDepth = d
			st.protocol = path
			st.inUM = true
		case d > st.activeDepth:
			closeAndAttach()
			st.um = []graph.Vertex{l, r}
			st.activeDepth = d
			st.protocol = path
			st.inUM = true
		case d == st.activeDepth:
			st.um = append(st.um, r)
		default: // d < st.activeDepth
			st.um = append(st.um, r)
			closeAndAttach()
			st.inUM = false
		}

		if st.inUM && len(st.um) >= maxUMSize {
			closeAndAttach()
			st.inUM = false
		}
	}

	if st.inUM {
		closeAndAttach()
	}
}

// resolvedFuncs returns ev's backtrace function names in root-to-leaf
// order, truncated to the longest prefix with known file info.
// trace.Frame stores stacks top-of-call-first (innermost first), so the
// root-to-leaf order is the reverse of ev.Backtrace.
func resolvedFuncs(ev *trace.Event) []string {
	n := len(ev.Backtrace)

	out := make([]string, 0, n)

	for i := n - 1; i >= 0; i-- {
		f := ev.Backtrace[i]
		if f.Unknown {
			break
		}

		out = append(out, f.Function)
	}

	return out
}

func commonPrefixDepth(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	d := 0

	for d < n && a[d] == b[d] {
		d++
	}

	return d
}

// protocolPath returns the root-to-current_protocol path used to locate
// the stack-tree attach point: the function at depth d+1 from the root
// in funcs, or funcs' deepest resolved frame if d already reaches the
// end of funcs.
func protocolPath(funcs []string, d int) []string {
	if d+1 <= len(funcs) {
		return append([]string(nil), funcs[:d+1]...)
	}

	return append([]string(nil), funcs...)
}

// dbscanSplit re-clusters um by DBSCAN (ε=10, min_pts=1) over vertex
// timestamp, equivalent on already-sorted 1-D data to a simple
// gap-threshold split.
func dbscanSplit(g *graph.Graph, um UM) []UM {
	if len(um) == 0 {
		return nil
	}

	const eps = 10

	sorted := append(UM(nil), um...)
	sort.Slice(sorted, func(i, j int) bool {
		return g.Event(sorted[i]).Timestamp < g.Event(sorted[j]).Timestamp
	})

	var out []UM

	start := 0

	for i := 1; i < len(sorted); i++ {
		gap := g.Event(sorted[i]).Timestamp - g.Event(sorted[i-1]).Timestamp
		if gap < 0 {
			gap = -gap
		}

		if gap > eps {
			out = append(out, sorted[start:i])
			start = i
		}
	}

	out = append(out, sorted[start:])

	return out
}

// ExtendRepresentative widens a POSIX representative: the min/max event
// timestamps in um are widened by a ±3-event margin (naturally clamped to
// trace bounds, since only existing vertices in g are considered) and
// every non-marker event in that window is included. g is expected to
// already exclude marker events, matching internal/posixgraph.Build's
// output.
func ExtendRepresentative(g *graph.Graph, um UM) (UM, error) {
	if g == nil {
		return nil, UMMechErr("extendrepresentative", errNilGraph)
	}

	if len(um) == 0 {
		return nil, UMMechErr("extendrepresentative", errEmptyUM)
	}

	lo, hi := g.Event(um[0]).Timestamp, g.Event(um[0]).Timestamp

	for _, v := range um {
		ts := g.Event(v).Timestamp
		if ts < lo {
			lo = ts
		}

		if ts > hi {
			hi = ts
		}
	}

	lo -= marginEvents
	hi += marginEvents

	var out UM

	for i := 0; i < g.Len(); i++ {
		v := graph.Vertex(i)

		ts := g.Event(v).Timestamp
		if ts >= lo && ts <= hi {
			out = append(out, v)
		}
	}

	return out, nil
}

var errEmptyUM = errors.New("update mechanism is empty")
