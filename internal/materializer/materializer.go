// Package materializer wires pkg/crashfs to internal/trace/internal/graph:
// it replays a trace's setup prefix into a scratch filesystem or mapped
// region, then for each candidate crash ordering applies exactly the
// listed events, runs the checker, and restores the pre-ordering state
// for the next attempt.
package materializer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/pathfinder/internal/checker"
	"github.com/calvinalkan/pathfinder/internal/trace"
	"github.com/calvinalkan/pathfinder/pkg/crashfs"
)

// ErrMaterializer marks errors from crash-state materialization.
var ErrMaterializer = errors.New("materializer")

type materializerError struct {
	op  string
	err error
}

func (e *materializerError) Error() string { return fmt.Sprintf("materializer: %s: %v", e.op, e.err) }

func (e *materializerError) Unwrap() error { return e.err }

func (*materializerError) Is(target error) bool { return target == ErrMaterializer }

// MaterializerErr wraps an internal error with a consistent prefix.
func MaterializerErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("materializer: internal error: nil error for %q", op))
	}

	return &materializerError{op: op, err: err}
}

// Mode selects which of the trace's two event families a Materializer
// replays: PM stores into mapped regions, or POSIX syscalls against a
// scratch directory.
type Mode int

const (
	ModePOSIX Mode = iota
	ModePM
)

// DefaultTimeout bounds one checker invocation when Materializer.Timeout
// is left unset.
const DefaultTimeout = 30 * time.Second

// fdEntry is a live, setup-phase file along with the path it was opened
// under, so Restore can re-execute the open instead of reusing the
// (now-stale, post-restore) handle.
type fdEntry struct {
	file crashfs.File
	path string
}

// Materializer replays one trace's setup prefix and, for each candidate
// ordering, applies it, runs the checker, and restores.
//
// A Materializer is not safe for concurrent use; internal/checker.Dispatcher
// gives each worker its own instance.
type Materializer struct {
	tr   *trace.Trace
	mode Mode

	real    crashfs.FS
	scratch *crashfs.Scratch

	// Driver, Argv, Daemon and Timeout configure the checker invocation
	// inside Apply. New cannot take them (its signature is fixed by the
	// ingest/graph/extraction pipeline's construction order, which builds
	// a Materializer before it knows per-run checker configuration), so
	// callers set them before the first Apply.
	Driver  *checker.Driver
	Argv    []string
	Daemon  []string
	Timeout time.Duration

	setupUntil int64

	// POSIX state.
	liveFiles  map[int64]*fdEntry // trace Fd -> live handle
	setupFDOps []trace.Event      // RegisterFile/UnregisterFile/Open/Creat/Close seen during setup, replayed verbatim by Restore
	seekAtEnd  map[int64]int64    // trace Fd -> offset recorded at end of setup

	// PM state.
	regions     []*crashfs.MappedRegion
	checkpoints *crashfs.CheckpointStack

	tested map[string]*checker.TestResult
}

// New prepares a Materializer rooted at a fresh scratch directory. real
// performs the underlying filesystem operations (crashfs.NewReal() in
// production, a fake in tests).
func New(tb crashfs.TempDirer, real crashfs.FS, tr *trace.Trace, mode Mode) (*Materializer, error) {
	if tr == nil {
		return nil, MaterializerErr("new", errors.New("trace is nil"))
	}

	scratch, err := crashfs.NewScratch(tb, real)
	if err != nil {
		return nil, MaterializerErr("new", err)
	}

	m := &Materializer{
		tr:         tr,
		mode:       mode,
		real:       real,
		scratch:    scratch,
		liveFiles:  make(map[int64]*fdEntry),
		seekAtEnd:  make(map[int64]int64),
		tested:     make(map[string]*checker.TestResult),
	}

	if mode == ModePM {
		m.checkpoints = crashfs.NewCheckpointStack(nil)
	}

	return m, nil
}

// Setup replays events [0, until) in trace order, establishing the
// pre-crash-window state every ordering starts from.
func (m *Materializer) Setup(until int64) error {
	if until < 0 || until > int64(m.tr.Len()) {
		return MaterializerErr("setup", fmt.Errorf("until %d out of range [0, %d]", until, m.tr.Len()))
	}

	for i := int64(0); i < until; i++ {
		ev := m.tr.At(i)

		if err := m.applyEvent(ev, false); err != nil {
			return MaterializerErr("setup", fmt.Errorf("event %d (%s): %w", i, ev.Kind, err))
		}

		if isFDLifecycle(ev.Kind) {
			m.setupFDOps = append(m.setupFDOps, *ev)
		}
	}

	m.setupUntil = until

	for fd, entry := range m.liveFiles {
		off, err := entry.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return MaterializerErr("setup", fmt.Errorf("recording seek offset for fd %d: %w", fd, err))
		}

		m.seekAtEnd[fd] = off
	}

	if m.mode == ModePM {
		m.checkpoints = crashfs.NewCheckpointStack(m.regions)
	}

	return nil
}

// Apply materializes one candidate ordering: backup, apply every event in
// order, run the checker, then restore to the pre-ordering state.
func (m *Materializer) Apply(order []trace.VertexID) (*checker.TestResult, error) {
	if m.Driver == nil {
		return nil, MaterializerErr("apply", errors.New("Driver is not configured"))
	}

	effective := m.pruneRedundant(order)

	key := canonicalKey(effective)
	if cached, ok := m.tested[key]; ok {
		return cached, nil
	}

	if err := m.backup(); err != nil {
		return nil, MaterializerErr("apply", err)
	}

	defer func() {
		if err := m.restore(); err != nil {
			// Restore failures leave the Materializer unusable for further
			// orderings; the caller's worker should discard it.
			_ = err
		}
	}()

	for _, ts := range effective {
		ev := m.tr.At(ts)
		if err := m.applyEvent(ev, true); err != nil {
			return nil, MaterializerErr("apply", fmt.Errorf("event %d (%s): %w", ts, ev.Kind, err))
		}
	}

	for _, entry := range m.liveFiles {
		_ = entry.file.Sync()
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.Driver.WorkDir = m.scratch.Dir()

	result, err := m.Driver.Run(context.Background(), m.Argv, m.Daemon, timeout)
	if err != nil {
		return nil, MaterializerErr("apply", err)
	}

	if m.mode == ModePM && result.Inconsistent() {
		result.FileImages = m.captureFileImages()
	}

	m.tested[key] = &result

	return &result, nil
}

// captureFileImages snapshots every mapped region's current contents,
// keyed by its backing file path, for an inconsistent PM result's
// offline-debugging attachment ( step 5).
func (m *Materializer) captureFileImages() map[string][]byte {
	images := make(map[string][]byte, len(m.regions))

	for _, r := range m.regions {
		images[r.Path()] = r.Snapshot()
	}

	return images
}

// Run adapts Apply to internal/checker.OrderRunner so a *Materializer can
// be handed directly to a Dispatcher.
func (m *Materializer) Run(order []trace.VertexID) (checker.TestResult, error) {
	res, err := m.Apply(order)
	if err != nil {
		return checker.TestResult{}, err
	}

	return *res, nil
}

// Close releases mapped regions and open handles. Callers must not reuse
// the Materializer afterward.
func (m *Materializer) Close() error {
	var firstErr error

	for _, entry := range m.liveFiles {
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, r := range m.regions {
		if err := r.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *Materializer) backup() error {
	switch m.mode {
	case ModePOSIX:
		return m.scratch.Checkpoint()
	default:
		m.checkpoints.Push()
		return nil
	}
}

// restore resets materialized state between orderings. POSIX wipes and
// repopulates the scratch directory, then replays the setup phase's
// file-lifecycle events to reconstruct the live-fd table, then re-seeks
// every fd to its recorded offset. PM restores every mapped region from
// its checkpoint.
func (m *Materializer) restore() error {
	if m.mode == ModePM {
		return m.checkpoints.Pop()
	}

	for fd, entry := range m.liveFiles {
		_ = entry.file.Close()
		delete(m.liveFiles, fd)
	}

	if _, err := m.scratch.Restore(); err != nil {
		return err
	}

	for _, ev := range m.setupFDOps {
		ev := ev
		if err := m.applyEvent(&ev, false); err != nil {
			return fmt.Errorf("replaying fd-table event %s: %w", ev.Kind, err)
		}
	}

	for fd, entry := range m.liveFiles {
		off, ok := m.seekAtEnd[fd]
		if !ok {
			continue
		}

		if _, err := entry.file.Seek(off, io.SeekStart); err != nil {
			return fmt.Errorf("restoring seek offset for fd %d: %w", fd, err)
		}
	}

	return nil
}

// pruneRedundant implements PM redundant-store pruning: a Store whose
// value already matches the current translated memory contents is
// dropped from the ordering before it is applied. Non-PM modes and
// non-Store events pass through unchanged.
func (m *Materializer) pruneRedundant(order []trace.VertexID) []trace.VertexID {
	if m.mode != ModePM {
		return order
	}

	out := make([]trace.VertexID, 0, len(order))

	for _, ts := range order {
		ev := m.tr.At(ts)

		if ev.Kind != trace.KindStore {
			out = append(out, ts)
			continue
		}

		region := m.regionFor(ev.Addr)
		if region == nil {
			out = append(out, ts)
			continue
		}

		current, err := region.ReadAt(ev.Addr, len(ev.Value))
		if err == nil && bytes.Equal(current, ev.Value) {
			continue
		}

		out = append(out, ts)
	}

	return out
}

func (m *Materializer) regionFor(addr uint64) *crashfs.MappedRegion {
	for _, r := range m.regions {
		if r.Contains(addr) {
			return r
		}
	}

	return nil
}

// applyEvent dispatches one event with the same semantics whether it is
// being replayed during setup or during a per-ordering apply. pruned is
// true when the call comes from Apply's per-ordering loop; applyEvent does
// not read it, since Apply has already dropped redundant stores before
// calling here.
func (m *Materializer) applyEvent(ev *trace.Event, pruned bool) error {
	switch ev.Kind {
	case trace.KindRegisterFile:
		return m.handleRegisterFile(ev)
	case trace.KindUnregisterFile:
		return m.handleUnregisterFile(ev)
	case trace.KindStore:
		return m.handleStore(ev)
	case trace.KindFlush, trace.KindFence, trace.KindMSync:
		return m.msyncAll()
	case trace.KindOpen, trace.KindCreat:
		return m.handleOpen(ev)
	case trace.KindClose:
		return m.handleClose(ev)
	case trace.KindWrite, trace.KindWritev:
		return m.handleWrite(ev, false)
	case trace.KindPwrite, trace.KindPwritev:
		return m.handleWrite(ev, true)
	case trace.KindRead, trace.KindPread:
		return nil // durability-irrelevant; materializer tracks writeback, not program-visible reads
	case trace.KindLseek:
		return m.handleLseek(ev)
	case trace.KindFtruncate:
		return m.handleFtruncate(ev)
	case trace.KindFallocate:
		return m.handleFallocate(ev)
	case trace.KindRename:
		return m.scratch.FS().Rename(m.abs(ev.Path), m.abs(ev.NewPath))
	case trace.KindUnlink, trace.KindRmdir:
		return m.scratch.FS().Remove(m.abs(ev.Path))
	case trace.KindMkdir:
		return m.scratch.FS().MkdirAll(m.abs(ev.Path), os.FileMode(ev.Perm))
	case trace.KindFsync, trace.KindFdatasync:
		return m.handleFsyncFd(ev)
	case trace.KindSync, trace.KindSyncfs, trace.KindSyncFileRange:
		return m.syncAllLiveFiles()
	case trace.KindMarkerBegin, trace.KindMarkerEnd, trace.KindOpBegin, trace.KindOpEnd:
		return nil
	default:
		return nil
	}
}

func (m *Materializer) abs(path string) string {
	if path == "" {
		return m.scratch.Dir()
	}

	return filepath.Join(m.scratch.Dir(), path)
}

func (m *Materializer) handleRegisterFile(ev *trace.Event) error {
	region, err := crashfs.MapFile(m.abs(ev.Path), ev.Addr, ev.Size)
	if err != nil {
		return err
	}

	m.regions = append(m.regions, region)

	return nil
}

func (m *Materializer) handleUnregisterFile(ev *trace.Event) error {
	region := m.regionFor(ev.Addr)
	if region == nil {
		return nil
	}

	kept := m.regions[:0]

	for _, r := range m.regions {
		if r == region {
			continue
		}

		kept = append(kept, r)
	}

	m.regions = kept

	return region.Unmap()
}

func (m *Materializer) handleStore(ev *trace.Event) error {
	region := m.regionFor(ev.Addr)
	if region == nil {
		return fmt.Errorf("store at %#x has no registered mapping", ev.Addr)
	}

	return region.WriteAt(ev.Addr, ev.Value)
}

func (m *Materializer) msyncAll() error {
	for _, r := range m.regions {
		if err := r.Msync(); err != nil {
			return err
		}
	}

	return nil
}

func (m *Materializer) handleOpen(ev *trace.Event) error {
	flag := ev.Flags
	if ev.Kind == trace.KindCreat {
		flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := m.scratch.FS().OpenFile(m.abs(ev.Path), flag, os.FileMode(ev.Perm))
	if err != nil {
		return err
	}

	m.liveFiles[int64(ev.Fd)] = &fdEntry{file: f, path: ev.Path}

	return nil
}

func (m *Materializer) handleClose(ev *trace.Event) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return nil
	}

	delete(m.liveFiles, int64(ev.Fd))

	return entry.file.Close()
}

func (m *Materializer) handleWrite(ev *trace.Event, positioned bool) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return fmt.Errorf("write to fd %d with no live handle", ev.Fd)
	}

	if positioned {
		if _, err := entry.file.Seek(ev.Offset, io.SeekStart); err != nil {
			return err
		}
	}

	_, err := entry.file.Write(ev.Buffer)

	return err
}

func (m *Materializer) handleLseek(ev *trace.Event) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return fmt.Errorf("lseek on fd %d with no live handle", ev.Fd)
	}

	_, err := entry.file.Seek(ev.Offset, ev.Whence)

	return err
}

func (m *Materializer) handleFtruncate(ev *trace.Event) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return fmt.Errorf("ftruncate on fd %d with no live handle", ev.Fd)
	}

	return entry.file.Truncate(ev.Length)
}

// handleFallocate shells out to unix.Fallocate directly: crashfs.File has
// no Fallocate method (POSIX's pkg/crashfs substrate only models
// open/read/write/truncate/sync), and fallocate's hole-punching /
// preallocation semantics are not expressible via Truncate.
func (m *Materializer) handleFallocate(ev *trace.Event) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return fmt.Errorf("fallocate on fd %d with no live handle", ev.Fd)
	}

	return unix.Fallocate(int(entry.file.Fd()), uint32(ev.Flags), ev.Offset, ev.Length)
}

func (m *Materializer) handleFsyncFd(ev *trace.Event) error {
	entry, ok := m.liveFiles[int64(ev.Fd)]
	if !ok {
		return nil
	}

	return entry.file.Sync()
}

func (m *Materializer) syncAllLiveFiles() error {
	for _, entry := range m.liveFiles {
		if err := entry.file.Sync(); err != nil {
			return err
		}
	}

	return nil
}

func isFDLifecycle(k trace.Kind) bool {
	switch k {
	case trace.KindRegisterFile, trace.KindUnregisterFile, trace.KindOpen, trace.KindCreat, trace.KindClose:
		return true
	default:
		return false
	}
}

// canonicalKey hashes an effective (post-pruning) event-id slice into a
// fixed-size, order-sensitive key for the "already tested" dedup set.
func canonicalKey(order []trace.VertexID) string {
	h := sha256.New()
	buf := make([]byte, 8)

	for _, ts := range order {
		binary.BigEndian.PutUint64(buf, uint64(ts))
		h.Write(buf)
	}

	return hex.EncodeToString(h.Sum(nil))
}
