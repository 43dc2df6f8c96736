package materializer

import (
	"errors"
	"os"
	"time"

	"github.com/calvinalkan/pathfinder/internal/checker"
	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/pkg/crashfs"
)

// OSTempDirer satisfies crashfs.TempDirer outside of tests, mirroring
// *testing.T.TempDir()'s contract: a fresh directory per call, panicking
// (rather than returning an error the interface has no room for) if the
// OS can't provide one.
type OSTempDirer struct{}

// TempDir returns a freshly created directory under os.TempDir().
func (OSTempDirer) TempDir() string {
	dir, err := os.MkdirTemp("", "pathfinder-*")
	if err != nil {
		panic("materializer: OSTempDirer: " + err.Error())
	}

	return dir
}

// RunnerConfig is the per-worker configuration a [Runner] needs to build
// fresh Materializers as it moves between representatives.
type RunnerConfig struct {
	TB      crashfs.TempDirer
	Real    crashfs.FS
	Trace   *trace.Trace
	Mode    Mode
	Argv    []string
	Daemon  []string
	Timeout time.Duration
}

// Runner adapts a sequence of representatives, each with its own setup
// boundary, onto one long-lived worker slot in internal/checker.Dispatcher.
// It implements both checker.OrderRunner and checker.RepresentativeAware:
// Dispatcher calls SetRepresentative once before a representative's
// orders run, and Runner only tears down and rebuilds its Materializer
// when the boundary actually changes, reusing it across every ordering of
// the same representative. This is what lets one Materializer instance
// per worker (not per representative) satisfy a per-test setup/apply/
// restore cycle even though the Dispatcher pool is built around
// long-lived per-worker runners.
type Runner struct {
	cfg RunnerConfig

	cur           *Materializer
	curSetupUntil int64
	haveCur       bool
}

// NewRunner returns a Runner with no Materializer yet; the first
// SetRepresentative call builds one.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// SetRepresentative implements checker.RepresentativeAware.
func (r *Runner) SetRepresentative(rep checker.Representative) error {
	if r.haveCur && r.curSetupUntil == rep.SetupUntil {
		return nil
	}

	if r.cur != nil {
		if err := r.cur.Close(); err != nil {
			return MaterializerErr("set representative", err)
		}
	}

	m, err := New(r.cfg.TB, r.cfg.Real, r.cfg.Trace, r.cfg.Mode)
	if err != nil {
		return err
	}

	if err := m.Setup(rep.SetupUntil); err != nil {
		return err
	}

	m.Driver = &checker.Driver{}
	m.Argv = r.cfg.Argv
	m.Daemon = r.cfg.Daemon
	m.Timeout = r.cfg.Timeout

	r.cur = m
	r.curSetupUntil = rep.SetupUntil
	r.haveCur = true

	return nil
}

// Run implements checker.OrderRunner, delegating to the Materializer
// built for the representative most recently passed to SetRepresentative.
func (r *Runner) Run(order []trace.VertexID) (checker.TestResult, error) {
	if r.cur == nil {
		return checker.TestResult{}, MaterializerErr("run", errors.New("SetRepresentative was never called"))
	}

	return r.cur.Run(order)
}

// Close implements io.Closer; internal/checker.Dispatcher closes each
// worker's runner once its jobs are drained.
func (r *Runner) Close() error {
	if r.cur == nil {
		return nil
	}

	return r.cur.Close()
}
