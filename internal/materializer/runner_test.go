package materializer

import (
	"testing"
	"time"

	"github.com/calvinalkan/pathfinder/internal/checker"
	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/pkg/crashfs"
)

func Test_Runner_Reuses_Materializer_For_Same_SetupUntil(t *testing.T) {
	events := []trace.Event{
		{Kind: trace.KindCreat, Path: "data.txt", Fd: 3, Perm: 0o644},
	}

	tr := newUnfrozenTrace(t, events)

	writeA := trace.Event{Kind: trace.KindWrite, Fd: 3, Buffer: []byte("a")}
	writeB := trace.Event{Kind: trace.KindWrite, Fd: 3, Buffer: []byte("b")}
	orderA := []trace.VertexID{tr.Append(writeA).Timestamp}
	orderB := []trace.VertexID{tr.Append(writeB).Timestamp}
	tr.Freeze()

	r := NewRunner(RunnerConfig{
		TB:      t,
		Real:    crashfs.NewReal(),
		Trace:   tr,
		Mode:    ModePOSIX,
		Argv:    []string{"true"},
		Timeout: 5 * time.Second,
	})

	defer r.Close()

	rep := checker.Representative{SetupUntil: 1}

	if err := r.SetRepresentative(rep); err != nil {
		t.Fatalf("SetRepresentative: %v", err)
	}

	first := r.cur

	if _, err := r.Run(orderA); err != nil {
		t.Fatalf("Run orderA: %v", err)
	}

	if err := r.SetRepresentative(rep); err != nil {
		t.Fatalf("second SetRepresentative: %v", err)
	}

	if r.cur != first {
		t.Fatal("got a rebuilt Materializer for an unchanged SetupUntil, want the same instance reused")
	}

	if _, err := r.Run(orderB); err != nil {
		t.Fatalf("Run orderB: %v", err)
	}
}

func Test_Runner_Rebuilds_Materializer_When_SetupUntil_Changes(t *testing.T) {
	events := []trace.Event{
		{Kind: trace.KindCreat, Path: "data.txt", Fd: 3, Perm: 0o644},
	}

	tr := newUnfrozenTrace(t, events)

	writeEv := trace.Event{Kind: trace.KindWrite, Fd: 3, Buffer: []byte("x")}
	order := []trace.VertexID{tr.Append(writeEv).Timestamp}
	tr.Freeze()

	r := NewRunner(RunnerConfig{
		TB:      t,
		Real:    crashfs.NewReal(),
		Trace:   tr,
		Mode:    ModePOSIX,
		Argv:    []string{"true"},
		Timeout: 5 * time.Second,
	})

	defer r.Close()

	if err := r.SetRepresentative(checker.Representative{SetupUntil: 0}); err != nil {
		t.Fatalf("SetRepresentative 0: %v", err)
	}

	first := r.cur

	if err := r.SetRepresentative(checker.Representative{SetupUntil: 1}); err != nil {
		t.Fatalf("SetRepresentative 1: %v", err)
	}

	if r.cur == first {
		t.Fatal("got the same Materializer instance after SetupUntil changed, want a rebuild")
	}

	if _, err := r.Run(order); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func Test_Runner_Run_Before_SetRepresentative_Errors(t *testing.T) {
	tr := newUnfrozenTrace(t, nil)
	tr.Freeze()

	r := NewRunner(RunnerConfig{TB: t, Real: crashfs.NewReal(), Trace: tr, Mode: ModePOSIX})

	if _, err := r.Run(nil); err == nil {
		t.Fatal("expected an error calling Run before SetRepresentative")
	}
}
