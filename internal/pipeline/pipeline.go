// Package pipeline wires every pipeline stage into the single sequence
// cmd/pathfinder runs for one trace: ingest already done by the caller,
// then graph build, update-mechanism extraction, representative grouping,
// order enumeration, and checker dispatch.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/pathfinder/internal/checker"
	"github.com/calvinalkan/pathfinder/internal/config"
	"github.com/calvinalkan/pathfinder/internal/graph"
	"github.com/calvinalkan/pathfinder/internal/materializer"
	"github.com/calvinalkan/pathfinder/internal/pmgraph"
	"github.com/calvinalkan/pathfinder/internal/posixgraph"
	"github.com/calvinalkan/pathfinder/internal/progress"
	"github.com/calvinalkan/pathfinder/internal/represent"
	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/internal/ummech"
	"github.com/calvinalkan/pathfinder/pkg/crashfs"
)

// ErrPipeline marks errors from end-to-end pipeline wiring.
var ErrPipeline = errors.New("pipeline")

type pipelineError struct {
	op  string
	err error
}

func (e *pipelineError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.op, e.err) }

func (e *pipelineError) Unwrap() error { return e.err }

func (*pipelineError) Is(target error) bool { return target == ErrPipeline }

// PipelineErr wraps an internal error with a consistent prefix.
func PipelineErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("pipeline: internal error: nil error for %q", op))
	}

	return &pipelineError{op: op, err: err}
}

// Options configures one end-to-end run.
type Options struct {
	Mode   materializer.Mode
	Config config.Config

	// Argv is the checker's argv; Daemon is an optional companion
	// process's argv. Argv must be non-empty.
	Argv   []string
	Daemon []string

	// Oracle resolves PM store type/field information (see
	// ummech.TypeOracle). Nil defaults to ummech.NoopOracle{}, which
	// resolves nothing: PM runs against it find zero update mechanisms,
	// since internal/trace's ingest format carries no type metadata to
	// resolve without one (see DESIGN.md).
	Oracle ummech.TypeOracle

	Progress *progress.Writer
}

// Run builds the persistence graph, extracts and groups update
// mechanisms, enumerates each representative's legal crash orderings, and
// dispatches the checker across them, returning one Verdict per
// representative.
func Run(tr *trace.Trace, opts Options) ([]checker.Verdict, error) {
	if tr == nil {
		return nil, PipelineErr("run", errors.New("trace is nil"))
	}

	if len(opts.Argv) == 0 {
		return nil, PipelineErr("run", errors.New("checker argv is empty"))
	}

	oracle := opts.Oracle
	if oracle == nil {
		oracle = ummech.NoopOracle{}
	}

	g, umsByKey, relation, err := buildAndExtract(tr, opts, oracle)
	if err != nil {
		return nil, PipelineErr("run", err)
	}

	groups := groupAll(g, umsByKey, relation)

	var cancel atomic.Bool

	if d := opts.Config.BaselineTimeout(); d > 0 {
		timer := time.AfterFunc(d, func() { cancel.Store(true) })
		defer timer.Stop()
	}

	reps, err := buildRepresentatives(g, groups, opts.Mode, &cancel, opts.Progress)
	if err != nil {
		return nil, PipelineErr("run", err)
	}

	dispatcher := &checker.Dispatcher{
		MaxNproc: opts.Config.MaxNproc,
		Progress: opts.Progress,
		NewRunner: func(int) (checker.OrderRunner, error) {
			return materializer.NewRunner(materializer.RunnerConfig{
				TB:      materializer.OSTempDirer{},
				Real:    crashfs.NewReal(),
				Trace:   tr,
				Mode:    opts.Mode,
				Argv:    opts.Argv,
				Daemon:  opts.Daemon,
				Timeout: opts.Config.TestTimeout(),
			}), nil
		},
	}

	return dispatcher.RunAll(reps), nil
}

func buildAndExtract(tr *trace.Trace, opts Options, oracle ummech.TypeOracle) (*graph.Graph, map[string][]ummech.UM, represent.Relation, error) {
	if opts.Mode == materializer.ModePM {
		g, err := pmgraph.Build(tr)
		if err != nil {
			return nil, nil, 0, err
		}

		ums, err := ummech.ExtractPM(g, oracle)
		if err != nil {
			return nil, nil, 0, err
		}

		relation := represent.RelationCovers
		if opts.Config.UseInducedSubgraph {
			relation = represent.RelationInducedSubgraph
		}

		return g, ums, relation, nil
	}

	if opts.Config.DecomposeSyscall {
		if err := trace.DecomposeSyscalls(tr, trace.DecomposeConfig{}); err != nil {
			return nil, nil, 0, err
		}
	}

	g, err := posixgraph.Build(tr, posixgraph.BuildConfig{DecomposeSyscall: opts.Config.DecomposeSyscall})
	if err != nil {
		return nil, nil, 0, err
	}

	ums, err := ummech.ExtractPOSIX(g, opts.Config.MaxUMSize)
	if err != nil {
		return nil, nil, 0, err
	}

	// POSIX always groups by the induced-subgraph relation (represent.Group's
	// own doc comment on RelationInducedSubgraph).
	return g, ums, represent.RelationInducedSubgraph, nil
}

// groupAll runs represent.Group once per extraction key (per PM type name
// or POSIX function name), since both relations are scoped to "within a
// single type T (PM) or function F (POSIX)", then flattens the per-key
// groups into one slice in a deterministic (sorted-by-key) order.
func groupAll(g *graph.Graph, umsByKey map[string][]ummech.UM, relation represent.Relation) []ummech.Group {
	keys := make([]string, 0, len(umsByKey))
	for k := range umsByKey {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var out []ummech.Group

	for _, key := range keys {
		eq := backtraceEquivalence(g, key)
		cfg := represent.GroupConfig{Relation: relation, Eq: eq}

		out = append(out, represent.Group(umsByKey[key], g, cfg)...)
	}

	return out
}

// backtraceEquivalence implements the function-frame equivalence clause
// (the POSIX variant of equivalent_in_function, and PM's fallback for
// scalar/pointer types and — since no TypeOracle resolves field identity
// here, see ummech.NoopOracle — every PM comparison): equivalent iff both
// backtraces contain matching file/line/address at the frame named fn,
// or (if fn appears in neither) the two backtraces are identical
// frame-for-frame.
func backtraceEquivalence(g *graph.Graph, fn string) represent.EquivalenceFunc {
	return func(s, l graph.Vertex) bool {
		sf, sOK := frameAt(g.Event(s).Backtrace, fn)
		lf, lOK := frameAt(g.Event(l).Backtrace, fn)

		if sOK && lOK {
			return sf == lf
		}

		if sOK != lOK {
			return false
		}

		return sameBacktrace(g.Event(s).Backtrace, g.Event(l).Backtrace)
	}
}

func frameAt(bt []trace.Frame, fn string) (trace.Frame, bool) {
	for _, f := range bt {
		if f.Function == fn {
			return f, true
		}
	}

	return trace.Frame{}, false
}

func sameBacktrace(a, b []trace.Frame) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func buildRepresentatives(g *graph.Graph, groups []ummech.Group, mode materializer.Mode, cancel *atomic.Bool, prog *progress.Writer) ([]checker.Representative, error) {
	reps := make([]checker.Representative, 0, len(groups))

	for _, grp := range groups {
		rep := grp.Representative()

		if mode != materializer.ModePM {
			extended, err := ummech.ExtendRepresentative(g, rep)
			if err != nil {
				return nil, err
			}

			rep = extended
		}

		sub, err := graph.BuildSubgraph(g, rep)
		if err != nil {
			return nil, err
		}

		sub.Reduce()

		if mode != materializer.ModePM {
			sub.ContractSyncFamily(func(localIdx int) bool {
				return isSyncFamily(sub.Event(localIdx).Kind)
			})
		}

		orders, truncated := graph.NewEnumerator(sub).Enumerate(cancel)
		if truncated {
			prog.Printf("pipeline: representative of size %d truncated at MaxPerms=%d orderings\n", len(rep), graph.MaxPerms)
		}

		reps = append(reps, checker.Representative{
			UM:         rep,
			Orders:     orders,
			SetupUntil: setupUntil(g, rep),
		})
	}

	return reps, nil
}

// setupUntil is the earliest event timestamp among rep's (possibly
// extended) members: everything strictly before it is replayed once as
// shared setup state.
func setupUntil(g *graph.Graph, rep ummech.UM) int64 {
	min := g.Event(rep[0]).Timestamp

	for _, v := range rep[1:] {
		if ts := g.Event(v).Timestamp; ts < min {
			min = ts
		}
	}

	return min
}

func isSyncFamily(k trace.Kind) bool {
	switch k {
	case trace.KindFsync, trace.KindFdatasync, trace.KindSyncFileRange, trace.KindSync, trace.KindSyncfs:
		return true
	default:
		return false
	}
}
