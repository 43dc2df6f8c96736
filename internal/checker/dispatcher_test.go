package checker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/internal/ummech"
)

type fakeRunner struct {
	calls    int64
	exitCode func(order []trace.VertexID) int
	err      error
}

func (f *fakeRunner) Run(order []trace.VertexID) (TestResult, error) {
	atomic.AddInt64(&f.calls, 1)

	if f.err != nil {
		return TestResult{}, f.err
	}

	return TestResult{ExitCode: f.exitCode(order)}, nil
}

func Test_RollUp_All_Consistent_Is_NoBugs(t *testing.T) {
	got := RollUp([]TestResult{{ExitCode: 0}, {ExitCode: 0}})
	if got != NoBugs {
		t.Fatalf("got %v, want NoBugs", got)
	}
}

func Test_RollUp_Mixed_Is_HasBugs(t *testing.T) {
	got := RollUp([]TestResult{{ExitCode: 0}, {ExitCode: 1}})
	if got != HasBugs {
		t.Fatalf("got %v, want HasBugs", got)
	}
}

func Test_RollUp_All_Inconsistent_Is_AllInconsistent(t *testing.T) {
	got := RollUp([]TestResult{{ExitCode: 1}, {ExitCode: 2}})
	if got != AllInconsistent {
		t.Fatalf("got %v, want AllInconsistent", got)
	}
}

func Test_RollUp_No_Orderings_Is_NoBugs(t *testing.T) {
	got := RollUp(nil)
	if got != NoBugs {
		t.Fatalf("got %v, want NoBugs", got)
	}
}

func Test_Dispatcher_RunAll_Preserves_Order_And_Status(t *testing.T) {
	runner := &fakeRunner{exitCode: func(order []trace.VertexID) int {
		if len(order) > 0 && order[0] == 99 {
			return 1
		}

		return 0
	}}

	d := &Dispatcher{MaxNproc: 2, Runner: runner}

	reps := []Representative{
		{UM: ummech.UM{0}, Orders: [][]trace.VertexID{{1}, {2}}},
		{UM: ummech.UM{1}, Orders: [][]trace.VertexID{{99}}},
		{UM: ummech.UM{2}, Orders: nil},
	}

	verdicts := d.RunAll(reps)

	if len(verdicts) != 3 {
		t.Fatalf("got %d verdicts, want 3", len(verdicts))
	}

	if verdicts[0].Status != NoBugs {
		t.Fatalf("rep 0: got %v, want NoBugs", verdicts[0].Status)
	}

	if verdicts[1].Status != AllInconsistent {
		t.Fatalf("rep 1: got %v, want AllInconsistent", verdicts[1].Status)
	}

	if verdicts[2].Status != NoBugs {
		t.Fatalf("rep 2 (no orderings): got %v, want NoBugs", verdicts[2].Status)
	}

	if atomic.LoadInt64(&runner.calls) != 3 {
		t.Fatalf("got %d runner calls, want 3", runner.calls)
	}
}

func Test_Dispatcher_RunAll_Surfaces_Runner_Error(t *testing.T) {
	wantErr := errors.New("boom")
	runner := &fakeRunner{err: wantErr}

	d := &Dispatcher{MaxNproc: 1, Runner: runner}

	verdicts := d.RunAll([]Representative{{UM: ummech.UM{0}, Orders: [][]trace.VertexID{{1}}}})

	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}

	if !errors.Is(verdicts[0].Err, wantErr) {
		t.Fatalf("got err %v, want %v", verdicts[0].Err, wantErr)
	}
}

func Test_Dispatcher_RunAll_Empty_Input_Returns_Empty(t *testing.T) {
	d := &Dispatcher{Runner: &fakeRunner{}}

	got := d.RunAll(nil)
	if len(got) != 0 {
		t.Fatalf("got %d verdicts, want 0", len(got))
	}
}

// statefulRunner is not safe for concurrent Run calls: it mutates last
// without synchronization, the way *materializer.Materializer does.
type statefulRunner struct {
	closed bool
	last   []trace.VertexID
}

func (r *statefulRunner) Run(order []trace.VertexID) (TestResult, error) {
	r.last = order
	return TestResult{ExitCode: 0}, nil
}

func (r *statefulRunner) Close() error {
	r.closed = true
	return nil
}

func Test_Dispatcher_RunAll_NewRunner_Gives_Each_Worker_Its_Own_Instance(t *testing.T) {
	var mu sync.Mutex

	runners := make([]*statefulRunner, 0)

	d := &Dispatcher{
		MaxNproc: 4,
		NewRunner: func(worker int) (OrderRunner, error) {
			r := &statefulRunner{}

			mu.Lock()
			runners = append(runners, r)
			mu.Unlock()

			return r, nil
		},
	}

	reps := make([]Representative, 8)
	for i := range reps {
		reps[i] = Representative{Orders: [][]trace.VertexID{{trace.VertexID(i)}}}
	}

	verdicts := d.RunAll(reps)

	if len(verdicts) != 8 {
		t.Fatalf("got %d verdicts, want 8", len(verdicts))
	}

	mu.Lock()
	defer mu.Unlock()

	if len(runners) != 4 {
		t.Fatalf("got %d runners constructed, want exactly one per worker (4)", len(runners))
	}

	for _, r := range runners {
		if !r.closed {
			t.Fatal("got an unclosed runner, want NewRunner's io.Closer result closed after its worker drains")
		}
	}
}

// repAwareRunner records every SetupUntil it was asked to configure for,
// in call order, so a test can assert it changes once per representative
// and not once per order.
type repAwareRunner struct {
	seen []int64
}

func (r *repAwareRunner) SetRepresentative(rep Representative) error {
	r.seen = append(r.seen, rep.SetupUntil)
	return nil
}

func (r *repAwareRunner) Run(order []trace.VertexID) (TestResult, error) {
	return TestResult{ExitCode: 0}, nil
}

func Test_Dispatcher_RunAll_Notifies_RepresentativeAware_Once_Per_Representative(t *testing.T) {
	runner := &repAwareRunner{}

	d := &Dispatcher{MaxNproc: 1, Runner: runner}

	reps := []Representative{
		{SetupUntil: 5, Orders: [][]trace.VertexID{{1}, {2}, {3}}},
		{SetupUntil: 9, Orders: [][]trace.VertexID{{4}}},
	}

	d.RunAll(reps)

	if len(runner.seen) != 2 {
		t.Fatalf("got %d SetRepresentative calls, want 1 per representative (2): %v", len(runner.seen), runner.seen)
	}

	if runner.seen[0] != 5 || runner.seen[1] != 9 {
		t.Fatalf("got SetupUntil sequence %v, want [5 9]", runner.seen)
	}
}

func Test_Dispatcher_RunAll_NewRunner_Construction_Error_Is_Surfaced(t *testing.T) {
	wantErr := errors.New("construction boom")

	d := &Dispatcher{
		MaxNproc: 1,
		NewRunner: func(worker int) (OrderRunner, error) {
			return nil, wantErr
		},
	}

	verdicts := d.RunAll([]Representative{{Orders: [][]trace.VertexID{{1}}}})

	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}

	if !errors.Is(verdicts[0].Err, wantErr) {
		t.Fatalf("got err %v, want wrapping %v", verdicts[0].Err, wantErr)
	}
}
