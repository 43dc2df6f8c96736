package checker

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/calvinalkan/pathfinder/internal/progress"
	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/internal/ummech"
)

// Representative is one equivalence-class representative, together with
// the legal crash-state orderings an upstream enumerator has already
// produced for it.
type Representative struct {
	UM     ummech.UM
	Orders [][]trace.VertexID

	// SetupUntil is the trace event index the materializer replays up to
	// before testing any of Orders: the per-test "event index to set up
	// until". It is the same for every order of one representative (they
	// share one setup/crash-window boundary) and generally differs
	// between representatives.
	SetupUntil int64
}

// OrderRunner materializes and tests one ordering. internal/materializer
// implements this without checker importing it, avoiding a cycle.
type OrderRunner interface {
	Run(order []trace.VertexID) (TestResult, error)
}

// RepresentativeAware is an optional OrderRunner extension. A runner that
// implements it is notified once, before any of a representative's orders
// run, which representative is next — letting a stateful runner (e.g. one
// backed by *materializer.Materializer) re-run its setup phase only when
// the representative actually changes, rather than per order.
type RepresentativeAware interface {
	SetRepresentative(rep Representative) error
}

// VerdictStatus is the commutative roll-up outcome of all tested orders.
type VerdictStatus int

const (
	NoBugs VerdictStatus = iota
	HasBugs
	AllInconsistent
)

func (s VerdictStatus) String() string {
	switch s {
	case NoBugs:
		return "no-bugs"
	case HasBugs:
		return "has-bugs"
	case AllInconsistent:
		return "all-inconsistent"
	default:
		return "unknown"
	}
}

// Verdict is one representative's tested results plus its rolled-up
// status.
type Verdict struct {
	Representative Representative
	Results        []TestResult
	Status         VerdictStatus
	Err            error
}

// Dispatcher runs checker invocations across representatives using a
// bounded worker pool: a buffered channel of work items drained by
// wg.Go workers, rather than a futures/promise-polling library, to
// implement a "spawns up to max_nproc worker threads" model.
type Dispatcher struct {
	// MaxNproc bounds concurrent representatives in flight. <= 0 means
	// runtime.NumCPU().
	MaxNproc int

	// Runner is used directly when NewRunner is nil. Since RunAll's worker
	// pool calls it concurrently, Runner must itself be safe for
	// concurrent Run calls (it's shared across every worker goroutine).
	Runner OrderRunner

	// NewRunner, when set, takes priority over Runner: each worker
	// goroutine calls it exactly once to obtain its own OrderRunner,
	// giving stateful runners (e.g. *materializer.Materializer, which
	// is documented as not safe for concurrent use) one private instance
	// per worker instead of one shared instance. If the returned runner
	// implements io.Closer, it is closed once that worker's jobs are
	// drained.
	NewRunner func(worker int) (OrderRunner, error)

	// Progress optionally receives a line per completed representative.
	// nil is a valid no-op writer.
	Progress *progress.Writer

	// PollInterval overrides the default result-draining tick used only
	// to emit periodic progress; it never affects correctness.
	PollInterval time.Duration
}

const defaultPollInterval = 250 * time.Millisecond

// RunAll tests every representative's orderings and returns one Verdict
// per representative, in the same order as reps.
func (d *Dispatcher) RunAll(reps []Representative) []Verdict {
	numWorkers := d.MaxNproc
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	verdicts := make([]Verdict, len(reps))

	type job struct {
		idx int
		rep Representative
	}

	jobs := make(chan job, numWorkers*2)

	done := make(chan int, len(reps))

	var wg sync.WaitGroup

	for worker := range numWorkers {
		wg.Go(func() {
			runner, err := d.workerRunner(worker)
			if err != nil {
				for j := range jobs {
					verdicts[j.idx] = Verdict{Representative: j.rep, Err: err}
					done <- j.idx
				}

				return
			}

			if closer, ok := runner.(io.Closer); ok {
				defer closer.Close()
			}

			for j := range jobs {
				verdicts[j.idx] = d.runOne(runner, j.rep)
				done <- j.idx
			}
		})
	}

	for i, rep := range reps {
		jobs <- job{idx: i, rep: rep}
	}

	close(jobs)

	go func() {
		wg.Wait()
		close(done)
	}()

	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	completed := 0

	for done != nil {
		select {
		case idx, ok := <-done:
			if !ok {
				done = nil
				continue
			}

			completed++

			d.Progress.Printf("representative %d/%d: %s\n", completed, len(reps), verdicts[idx].Status)
		case <-ticker.C:
			d.Progress.Printf("dispatcher: %d/%d representatives complete\n", completed, len(reps))
		}
	}

	return verdicts
}

// workerRunner returns the OrderRunner a given worker goroutine should use
// for the lifetime of the pool: its own instance from NewRunner if set,
// otherwise the shared Runner.
func (d *Dispatcher) workerRunner(worker int) (OrderRunner, error) {
	if d.NewRunner == nil {
		return d.Runner, nil
	}

	runner, err := d.NewRunner(worker)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: constructing runner for worker %d: %w", worker, err)
	}

	return runner, nil
}

func (d *Dispatcher) runOne(runner OrderRunner, rep Representative) Verdict {
	if aware, ok := runner.(RepresentativeAware); ok {
		if err := aware.SetRepresentative(rep); err != nil {
			return Verdict{Representative: rep, Err: err}
		}
	}

	results := make([]TestResult, 0, len(rep.Orders))

	for _, order := range rep.Orders {
		res, err := runner.Run(order)
		if err != nil {
			return Verdict{Representative: rep, Results: results, Err: err}
		}

		results = append(results, res)
	}

	return Verdict{Representative: rep, Results: results, Status: RollUp(results)}
}

// RollUp is a commutative verdict fold: HasBugs if any tested ordering
// was inconsistent; AllInconsistent only if every ordering failed (and
// at least one was tested); NoBugs otherwise.
func RollUp(results []TestResult) VerdictStatus {
	if len(results) == 0 {
		return NoBugs
	}

	bugs := 0

	for _, r := range results {
		if r.Inconsistent() {
			bugs++
		}
	}

	switch {
	case bugs == 0:
		return NoBugs
	case bugs == len(results):
		return AllInconsistent
	default:
		return HasBugs
	}
}
