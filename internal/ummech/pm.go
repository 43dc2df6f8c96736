package ummech

import (
	"errors"
	"sort"

	"github.com/grailbio/base/traverse"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

var (
	errNilGraph  = errors.New("graph is nil")
	errNilOracle = errors.New("oracle is nil")
)

// instanceKey identifies one (type, instance address) pair for the PM
// extraction variant.
type instanceKey struct {
	typ  string
	addr uint64
}

// ExtractPM implements the PM update-mechanism extractor: for each
// instrumented type and each distinct instance address of that type, the
// instance's vertices (in timestamp order) are split into sub-mechanisms
// by three sequential passes (interruption, repeated-field,
// minimum-max-range field). The result is keyed by LLVM type name
// (grouping via internal/represent happens afterward, once per key).
func ExtractPM(g *graph.Graph, oracle TypeOracle) (map[string][]UM, error) {
	if g == nil {
		return nil, UMMechErr("extractpm", errNilGraph)
	}

	if oracle == nil {
		return nil, UMMechErr("extractpm", errNilOracle)
	}

	instances := map[instanceKey][]pmVertex{}

	for i := 0; i < g.Len(); i++ {
		v := graph.Vertex(i)

		info, ok := oracle.Lookup(g.Event(v))
		if !ok {
			continue
		}

		key := instanceKey{typ: info.Type, addr: info.InstanceAddr}
		instances[key] = append(instances[key], pmVertex{v: v, info: info})
	}

	keys := make([]instanceKey, 0, len(instances))
	for k := range instances {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}

		return keys[i].addr < keys[j].addr
	})

	results := make([][]UM, len(keys))

	err := traverse.Parallel(len(keys)).Do(func(i int) error {
		vs := instances[keys[i]]

		sort.Slice(vs, func(a, b int) bool {
			return g.Event(vs[a].v).Timestamp < g.Event(vs[b].v).Timestamp
		})

		results[i] = splitInstance(g, vs)

		return nil
	})
	if err != nil {
		return nil, UMMechErr("extractpm", err)
	}

	out := map[string][]UM{}
	for i, key := range keys {
		out[key.typ] = append(out[key.typ], results[i]...)
	}

	return out, nil
}

type pmVertex struct {
	v    graph.Vertex
	info TypeInfo
}

// splitInstance runs the three sequential splitting passes over a single
// (type, instance) vertex list, already in timestamp order.
func splitInstance(g *graph.Graph, vs []pmVertex) []UM {
	subs := interruptionSplit(g, vs)

	var afterRepeated [][]pmVertex
	for _, s := range subs {
		afterRepeated = append(afterRepeated, repeatedFieldSplit(g, s)...)
	}

	var afterRange [][]pmVertex
	for _, s := range afterRepeated {
		afterRange = append(afterRange, minMaxRangeFieldSplit(s)...)
	}

	ums := make([]UM, 0, len(afterRange))
	for _, s := range afterRange {
		ums = append(ums, toUM(s))
	}

	return ums
}

func toUM(vs []pmVertex) UM {
	um := make(UM, len(vs))
	for i, pv := range vs {
		um[i] = pv.v
	}

	return um
}

// interruptionSplit is pass 1: split after a when there is a path a->b
// in g but no direct edge, or when the store-id gap between a and b
// exceeds sizeof(T).
func interruptionSplit(g *graph.Graph, vs []pmVertex) [][]pmVertex {
	if len(vs) == 0 {
		return nil
	}

	var out [][]pmVertex

	start := 0

	for i := 0; i+1 < len(vs); i++ {
		a, b := vs[i], vs[i+1]

		split := false

		if reachable(g, a.v, b.v) && !hasDirectEdge(g, a.v, b.v) {
			split = true
		}

		ea, eb := g.Event(a.v), g.Event(b.v)
		if ea.Kind == trace.KindStore && eb.Kind == trace.KindStore {
			gap := eb.StoreID - ea.StoreID
			if gap < 0 {
				gap = -gap
			}

			if uint64(gap) > a.info.SizeofT {
				split = true
			}
		}

		if split {
			out = append(out, vs[start:i+1])
			start = i + 1
		}
	}

	out = append(out, vs[start:])

	return out
}

func hasDirectEdge(g *graph.Graph, a, b graph.Vertex) bool {
	for _, s := range g.Successors(a) {
		if s == b {
			return true
		}
	}

	return false
}

// reachable reports whether b is reachable from a via a bounded BFS.
// graph.Graph exposes no public reachability query, so this is local to
// the interruption split's need.
func reachable(g *graph.Graph, a, b graph.Vertex) bool {
	if a == b {
		return false
	}

	visited := map[graph.Vertex]bool{a: true}
	queue := []graph.Vertex{a}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, s := range g.Successors(cur) {
			if s == b {
				return true
			}

			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}

	return false
}

// repeatedFieldSplit is pass 2: split after x when field(x) == field(x+1)
// and either the store-id gap exceeds 1 or the field's type is an array
// type.
func repeatedFieldSplit(g *graph.Graph, vs []pmVertex) [][]pmVertex {
	if len(vs) == 0 {
		return nil
	}

	var out [][]pmVertex

	start := 0

	for i := 0; i+1 < len(vs); i++ {
		x, next := vs[i], vs[i+1]

		if x.info.Field != next.info.Field {
			continue
		}

		ex, en := g.Event(x.v), g.Event(next.v)
		gap := en.StoreID - ex.StoreID

		if gap < 0 {
			gap = -gap
		}

		if gap > 1 || x.info.FieldIsArray {
			out = append(out, vs[start:i+1])
			start = i + 1
		}
	}

	out = append(out, vs[start:])

	return out
}

// minMaxRangeFieldSplit is pass 3: for each field occurring more than
// once, compute the max vertex-id span between consecutive occurrences,
// and split on the field whose max span is smallest. If no field
// repeats, the sub-mechanism is left intact.
func minMaxRangeFieldSplit(vs []pmVertex) [][]pmVertex {
	if len(vs) < 2 {
		return [][]pmVertex{vs}
	}

	lastIdx := map[string]int{}
	maxSpan := map[string]int{}
	count := map[string]int{}

	for i, pv := range vs {
		f := pv.info.Field

		if prev, ok := lastIdx[f]; ok {
			span := i - prev
			if span > maxSpan[f] {
				maxSpan[f] = span
			}
		}

		lastIdx[f] = i
		count[f]++
	}

	bestField := ""
	bestSpan := -1

	for f, span := range maxSpan {
		if count[f] < 2 {
			continue
		}

		if bestSpan == -1 || span < bestSpan {
			bestSpan = span
			bestField = f
		}
	}

	if bestField == "" {
		return [][]pmVertex{vs}
	}

	var out [][]pmVertex

	start := 0

	for i, pv := range vs {
		if pv.info.Field == bestField && i > start {
			out = append(out, vs[start:i])
			start = i
		}
	}

	out = append(out, vs[start:])

	return out
}
