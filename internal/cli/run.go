// Package cli wires Pathfinder's command-line entry point: flag parsing,
// config/trace loading, and graceful shutdown on signal.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pathfinder/internal/checker"
	"github.com/calvinalkan/pathfinder/internal/config"
	"github.com/calvinalkan/pathfinder/internal/materializer"
	"github.com/calvinalkan/pathfinder/internal/pipeline"
	"github.com/calvinalkan/pathfinder/internal/progress"
	"github.com/calvinalkan/pathfinder/internal/report"
	"github.com/calvinalkan/pathfinder/internal/trace"
)

const usage = `pathfinder - crash-consistency bug finder

Usage: pathfinder [flags] <pm|posix> <trace-file> -- <checker-argv...> [-- <daemon-argv...>]

Flags:
  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
`

// Run is the main entry point. Returns the process exit code.
// sigCh can be nil if signal handling is not needed (e.g. in tests). env
// is accepted (not currently consulted — Pathfinder's config is a single
// explicit file, with no $XDG_CONFIG_HOME-aware search) to keep this
// signature's shape matching cmd/pathfinder's env threading.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, _ map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("pathfinder", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(&strings.Builder{})

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagCwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")

	if err := flags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut, usage)

		return 1
	}

	if *flagHelp {
		fprintln(out, usage)

		return 0
	}

	rest := flags.Args()

	mode, traceFile, checkerArgv, daemonArgv, err := parsePositional(rest)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut, usage)

		return 1
	}

	if *flagCwd != "" {
		if err := os.Chdir(*flagCwd); err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	tr, err := loadTrace(mode, traceFile)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	opts := pipeline.Options{
		Mode:     mode,
		Config:   cfg,
		Argv:     checkerArgv,
		Daemon:   daemonArgv,
		Progress: progress.New(errOut),
	}

	done := make(chan runResult, 1)

	go func() {
		verdicts, err := pipeline.Run(tr, opts)
		done <- runResult{verdicts: verdicts, err: err}
	}()

	select {
	case r := <-done:
		return finish(out, errOut, cfg, r)
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
	}

	select {
	case r := <-done:
		return finish(out, errOut, cfg, r)
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130
	}
}

type runResult struct {
	verdicts []checker.Verdict
	err      error
}

func finish(out, errOut io.Writer, cfg config.Config, r runResult) int {
	if r.err != nil {
		fprintln(errOut, "error:", r.err)

		return 1
	}

	if cfg.SavePMImages {
		saved, err := report.SaveImages(imagesDir, r.verdicts)
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}

		if saved > 0 {
			fmt.Fprintf(errOut, "saved %d file image(s) to %s\n", saved, imagesDir)
		}
	}

	return printVerdicts(out, r.verdicts)
}

// imagesDir is where SaveImages writes inconsistent PM crash-state
// snapshots when Config.SavePMImages is set; a fixed subdirectory under
// the working directory rather than another flag on an already-minimal
// surface.
const imagesDir = "pathfinder-images"

// printVerdicts reports one line per representative and returns the
// process exit code: 0 iff every representative's rolled-up status is
// checker.NoBugs.
func printVerdicts(out io.Writer, verdicts []checker.Verdict) int {
	exitCode := 0

	for i, v := range verdicts {
		fmt.Fprintf(out, "representative %d: %s (%d orderings tested)\n", i, v.Status, len(v.Results))

		if v.Err != nil {
			fmt.Fprintf(out, "  error: %v\n", v.Err)
		}

		if v.Status != checker.NoBugs {
			exitCode = 1
		}
	}

	return exitCode
}

func parsePositional(rest []string) (mode materializer.Mode, traceFile string, checkerArgv, daemonArgv []string, err error) {
	if len(rest) < 2 {
		return 0, "", nil, nil, fmt.Errorf("expected <pm|posix> <trace-file>, got %d positional args", len(rest))
	}

	switch rest[0] {
	case "pm":
		mode = materializer.ModePM
	case "posix":
		mode = materializer.ModePOSIX
	default:
		return 0, "", nil, nil, fmt.Errorf("unknown mode %q, want pm or posix", rest[0])
	}

	traceFile = rest[1]

	remaining := rest[2:]
	if len(remaining) == 0 || remaining[0] != "--" {
		return 0, "", nil, nil, fmt.Errorf("expected -- before the checker command")
	}

	remaining = remaining[1:]

	if idx := indexOf(remaining, "--"); idx >= 0 {
		checkerArgv = remaining[:idx]
		daemonArgv = remaining[idx+1:]
	} else {
		checkerArgv = remaining
	}

	if len(checkerArgv) == 0 {
		return 0, "", nil, nil, fmt.Errorf("checker command is empty")
	}

	return mode, traceFile, checkerArgv, daemonArgv, nil
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}

	return -1
}

func loadTrace(mode materializer.Mode, path string) (*trace.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if mode == materializer.ModePM {
		return trace.IngestPM(f)
	}

	return trace.IngestPOSIX(f)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
