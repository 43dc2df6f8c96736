package pipeline

import (
	"testing"

	"github.com/calvinalkan/pathfinder/internal/config"
	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/materializer"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

func Test_IsSyncFamily_Classifies_Sync_Kinds(t *testing.T) {
	syncKinds := []trace.Kind{
		trace.KindFsync, trace.KindFdatasync, trace.KindSyncFileRange, trace.KindSync, trace.KindSyncfs,
	}

	for _, k := range syncKinds {
		if !isSyncFamily(k) {
			t.Fatalf("got isSyncFamily(%v) = false, want true", k)
		}
	}

	if isSyncFamily(trace.KindWrite) {
		t.Fatal("got isSyncFamily(KindWrite) = true, want false")
	}
}

func Test_SetupUntil_Returns_Min_Timestamp(t *testing.T) {
	g := graph.NewGraph()

	events := []trace.Event{{Timestamp: 5}, {Timestamp: 1}, {Timestamp: 9}}

	vs := make([]graph.Vertex, len(events))
	for i := range events {
		vs[i] = g.AddVertex(&events[i])
	}

	got := setupUntil(g, vs)
	if got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func Test_BacktraceEquivalence_Matches_Frame_At_Function(t *testing.T) {
	g := graph.NewGraph()

	frame := trace.Frame{Function: "commit", File: "a.c", Line: 10}
	other := trace.Frame{Function: "commit", File: "b.c", Line: 20}

	evs := []trace.Event{
		{Backtrace: []trace.Frame{frame}},
		{Backtrace: []trace.Frame{frame}},
		{Backtrace: []trace.Frame{other}},
	}

	vs := make([]graph.Vertex, len(evs))
	for i := range evs {
		vs[i] = g.AddVertex(&evs[i])
	}

	eq := backtraceEquivalence(g, "commit")

	if !eq(vs[0], vs[1]) {
		t.Fatal("expected identical frames at function commit to be equivalent")
	}

	if eq(vs[0], vs[2]) {
		t.Fatal("expected differing file/line at function commit to be inequivalent")
	}
}

func Test_BacktraceEquivalence_Falls_Back_To_Full_Backtrace_When_Function_Absent(t *testing.T) {
	g := graph.NewGraph()

	bt := []trace.Frame{{Function: "other"}}

	evs := []trace.Event{
		{Backtrace: bt},
		{Backtrace: bt},
		{Backtrace: []trace.Frame{{Function: "different"}}},
	}

	vs := make([]graph.Vertex, len(evs))
	for i := range evs {
		vs[i] = g.AddVertex(&evs[i])
	}

	eq := backtraceEquivalence(g, "missing_function")

	if !eq(vs[0], vs[1]) {
		t.Fatal("expected identical full backtraces to be equivalent when the target function is absent")
	}

	if eq(vs[0], vs[2]) {
		t.Fatal("expected differing full backtraces to be inequivalent")
	}
}

func Test_Run_Rejects_Nil_Trace(t *testing.T) {
	if _, err := Run(nil, Options{Argv: []string{"true"}}); err == nil {
		t.Fatal("expected an error for a nil trace")
	}
}

func Test_Run_Rejects_Empty_Argv(t *testing.T) {
	tr := trace.New()
	tr.Freeze()

	if _, err := Run(tr, Options{}); err == nil {
		t.Fatal("expected an error for empty checker argv")
	}
}

func Test_Run_POSIX_End_To_End(t *testing.T) {
	tr := trace.New()

	frame := []trace.Frame{{Function: "doWrite", File: "x.c", Line: 1}}

	tr.Append(trace.Event{Kind: trace.KindCreat, Path: "f", Fd: 3, Perm: 0o644, Tid: 1, Backtrace: frame})
	tr.Append(trace.Event{Kind: trace.KindWrite, Fd: 3, Path: "f", Buffer: []byte("hi"), Tid: 1, Backtrace: frame})
	tr.Append(trace.Event{Kind: trace.KindFsync, Fd: 3, Path: "f", Tid: 1, Backtrace: frame})
	tr.Freeze()

	opts := Options{
		Mode:   materializer.ModePOSIX,
		Config: config.DefaultConfig(),
		Argv:   []string{"true"},
	}

	verdicts, err := Run(tr, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, v := range verdicts {
		if v.Err != nil {
			t.Fatalf("verdict error: %v", v.Err)
		}
	}
}
