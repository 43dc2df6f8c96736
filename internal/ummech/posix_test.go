package ummech

import (
	"testing"

	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

func frame(fn string) trace.Frame { return trace.Frame{Function: fn, File: "f.c", Line: 1} }

func bt(fns ...string) []trace.Frame {
	// stored innermost-first; fns is given root-to-leaf, so reverse it.
	out := make([]trace.Frame, len(fns))
	for i, fn := range fns {
		out[len(fns)-1-i] = frame(fn)
	}

	return out
}

func newPosixGraph(t *testing.T, evs []trace.Event) *graph.Graph {
	t.Helper()

	g := graph.NewGraph()
	for i := range evs {
		g.AddVertex(&evs[i])
	}

	return g
}

func Test_ExtractPOSIX_Same_Depth_Run_Stays_In_One_UM(t *testing.T) {
	evs := []trace.Event{
		{Timestamp: 0, Tid: 1, Backtrace: bt("main", "write_record")},
		{Timestamp: 1, Tid: 1, Backtrace: bt("main", "write_record")},
		{Timestamp: 2, Tid: 1, Backtrace: bt("main", "write_record")},
	}

	g := newPosixGraph(t, evs)

	out, err := ExtractPOSIX(g, 0)
	if err != nil {
		t.Fatalf("ExtractPOSIX: %v", err)
	}

	ums := out["write_record"]
	if len(ums) != 1 || len(ums[0]) != 3 {
		t.Fatalf("got %v, want one 3-vertex UM keyed by write_record", ums)
	}
}

func Test_ExtractPOSIX_Deeper_Call_Opens_New_UM(t *testing.T) {
	evs := []trace.Event{
		{Timestamp: 0, Tid: 1, Backtrace: bt("main", "write_record")},
		{Timestamp: 1, Tid: 1, Backtrace: bt("main", "write_record", "flush_buf")},
		{Timestamp: 2, Tid: 1, Backtrace: bt("main", "write_record", "flush_buf")},
	}

	g := newPosixGraph(t, evs)

	out, err := ExtractPOSIX(g, 0)
	if err != nil {
		t.Fatalf("ExtractPOSIX: %v", err)
	}

	total := 0
	for _, ums := range out {
		for _, um := range ums {
			total += len(um)
		}
	}

	if total == 0 {
		t.Fatal("expected at least one UM to be attached")
	}
}

func Test_ExtractPOSIX_Max_Um_Size_Closes_Early(t *testing.T) {
	evs := make([]trace.Event, 5)
	for i := range evs {
		evs[i] = trace.Event{Timestamp: int64(i), Tid: 1, Backtrace: bt("main", "loop")}
	}

	g := newPosixGraph(t, evs)

	out, err := ExtractPOSIX(g, 2)
	if err != nil {
		t.Fatalf("ExtractPOSIX: %v", err)
	}

	for _, ums := range out {
		for _, um := range ums {
			if len(um) > 2 {
				t.Fatalf("UM %v exceeds maxUMSize=2", um)
			}
		}
	}
}

func Test_ExtractPOSIX_Nil_Graph_Errors(t *testing.T) {
	if _, err := ExtractPOSIX(nil, 0); err == nil {
		t.Fatal("expected error for nil graph")
	}
}

func Test_CommonPrefixDepth_Matches_Shared_Prefix_Length(t *testing.T) {
	a := []string{"main", "write_record"}
	b := []string{"main", "write_record", "flush_buf"}

	if d := commonPrefixDepth(a, b); d != 2 {
		t.Fatalf("commonPrefixDepth = %d, want 2", d)
	}
}

func Test_ResolvedFuncs_Stops_At_First_Unknown_Frame(t *testing.T) {
	ev := trace.Event{Backtrace: []trace.Frame{
		frame("flush_buf"),
		{Unknown: true},
		frame("main"),
	}}

	got := resolvedFuncs(&ev)
	if len(got) != 1 || got[0] != "main" {
		t.Fatalf("got %v, want [main] (root frame resolved, walk stops at the unknown frame)", got)
	}
}

func Test_DBSCANSplit_Splits_On_Gap_Exceeding_Epsilon(t *testing.T) {
	evs := []trace.Event{
		{Timestamp: 0},
		{Timestamp: 5},
		{Timestamp: 50},
	}

	g := newPosixGraph(t, evs)

	got := dbscanSplit(g, UM{0, 1, 2})
	if len(got) != 2 {
		t.Fatalf("got %d clusters, want 2 (gap of 45 > eps)", len(got))
	}
}

func Test_ExtendRepresentative_Widens_By_Margin_Clamped_To_Trace(t *testing.T) {
	evs := make([]trace.Event, 10)
	for i := range evs {
		evs[i] = trace.Event{Timestamp: int64(i)}
	}

	g := newPosixGraph(t, evs)

	got, err := ExtendRepresentative(g, UM{5})
	if err != nil {
		t.Fatalf("ExtendRepresentative: %v", err)
	}

	if len(got) != 7 { // [2,8] inclusive
		t.Fatalf("got %d vertices, want 7", len(got))
	}
}

func Test_ExtendRepresentative_Empty_UM_Errors(t *testing.T) {
	g := newPosixGraph(t, []trace.Event{{Timestamp: 0}})

	if _, err := ExtendRepresentative(g, nil); err == nil {
		t.Fatal("expected error for empty UM")
	}
}
