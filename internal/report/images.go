// Package report persists the file images an inconsistent checker result
// attaches for offline debugging ( step 5), when
// internal/config.Config.SavePMImages is set.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/pathfinder/internal/checker"
)

// ErrReport marks errors from saving file images.
var ErrReport = errors.New("report")

type reportError struct {
	op  string
	err error
}

func (e *reportError) Error() string { return fmt.Sprintf("report: %s: %v", e.op, e.err) }

func (e *reportError) Unwrap() error { return e.err }

func (*reportError) Is(target error) bool { return target == ErrReport }

// ReportErr wraps an internal error with a consistent prefix.
func ReportErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("report: internal error: nil error for %q", op))
	}

	return &reportError{op: op, err: err}
}

// SaveImages writes every inconsistent result's FileImages under dir, one
// file per (representative, order, region path) triple, and returns how
// many files it wrote. Each file is written via an atomic rename so a
// concurrent reader never observes a partially written image.
func SaveImages(dir string, verdicts []checker.Verdict) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, ReportErr("save images", err)
	}

	saved := 0

	for repIdx, v := range verdicts {
		for orderIdx, res := range v.Results {
			if !res.Inconsistent() || len(res.FileImages) == 0 {
				continue
			}

			for path, data := range res.FileImages {
				name := imageFileName(repIdx, orderIdx, path)

				if err := atomic.WriteFile(filepath.Join(dir, name), bytes.NewReader(data)); err != nil {
					return saved, ReportErr("save images", fmt.Errorf("%s: %w", name, err))
				}

				saved++
			}
		}
	}

	return saved, nil
}

func imageFileName(repIdx, orderIdx int, path string) string {
	sanitized := strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")

	return "rep" + strconv.Itoa(repIdx) + "-order" + strconv.Itoa(orderIdx) + "-" + sanitized + ".img"
}
