package crashfs

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
)

// TempDirer is the minimal subset of *testing.T/*testing.B that
// [NewScratch] needs.
//
// It is intentionally tiny so crashfs can remain usable from non-test code
// (the checker driver's worker processes, not go test) while tests can
// still pass *testing.T directly.
type TempDirer interface {
	// TempDir returns a temporary directory path.
	TempDir() string
}

type objID uint64

type objKind uint8

const (
	objDir objKind = iota
	objFile
)

const rootID objID = 1

type fileSnapshot struct {
	data []byte
	perm os.FileMode
}

// Scratch is a filesystem substrate for crash-state materialization.
//
// Scratch runs operations against a real on-disk working directory, while
// separately tracking a checkpointed snapshot tree. The materializer
// already knows, from the persistence graph's chosen downset, exactly
// which bytes and directory entries are durable at a crash point; it
// applies that downset directly to [Scratch.Dir] and hands the result to
// the checker. [Scratch.Checkpoint] then freezes that state as the new
// baseline, and [Scratch.Restore] wipes the working directory and replays
// the baseline — cheaply resetting between orderings of the same
// representative, rather than discarding and rebuilding the whole setup
// prefix each time.
//
// Scratch is not safe for concurrent use; the materializer owns one per
// worker.
type Scratch struct {
	baseDir string
	fs      FS
	live    string

	nextID          objID
	kind            map[objID]objKind
	durableChildren map[objID]map[string]objID
	durableFiles    map[objID]fileSnapshot
}

// NewScratch creates a Scratch rooted at a fresh temporary directory
// obtained from tb. fs performs the underlying operations and should be
// OS-backed ([NewReal]). The initial checkpoint is empty.
func NewScratch(tb TempDirer, fs FS) (*Scratch, error) {
	if tb == nil {
		return nil, ScratchErr("new scratch", errors.New("tb is nil"))
	}

	if fs == nil {
		return nil, ScratchErr("new scratch", errors.New("fs is nil"))
	}

	baseDir := tb.TempDir()
	if baseDir == "" {
		return nil, ScratchErr("new scratch", errors.New("temp dir is empty"))
	}

	s := &Scratch{
		baseDir: baseDir,
		fs:      fs,
	}

	s.resetSnapshot()

	workDir, err := os.MkdirTemp(baseDir, "scratch-*")
	if err != nil {
		return nil, ScratchErr("create work dir", err)
	}

	s.live = workDir

	return s, nil
}

func (s *Scratch) resetSnapshot() {
	s.nextID = rootID + 1
	s.kind = map[objID]objKind{rootID: objDir}
	s.durableChildren = map[objID]map[string]objID{rootID: {}}
	s.durableFiles = make(map[objID]fileSnapshot)
}

// Dir returns the current live working directory. The materializer applies
// micro-events and runs the checker against paths relative to this
// directory.
func (s *Scratch) Dir() string {
	return s.live
}

// FS returns the underlying [FS] scratch operations run against.
func (s *Scratch) FS() FS {
	return s.fs
}

// Checkpoint walks the current live tree and freezes it as the baseline
// that [Scratch.Restore] replays. Call this once after the materializer's
// setup phase has populated the pre-crash-window prefix.
func (s *Scratch) Checkpoint() error {
	s.resetSnapshot()

	return s.snapshotDirLocked(rootID, "")
}

func (s *Scratch) snapshotDirLocked(dirID objID, rel string) error {
	abs := filepath.Join(s.live, rel)

	entries, err := s.fs.ReadDir(abs)
	if err != nil {
		return ScratchErr("checkpoint", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		childRel := filepath.Join(rel, name)

		if entry.IsDir() {
			childID := s.allocIDLocked(objDir)
			s.durableChildren[dirID][name] = childID

			if err := s.snapshotDirLocked(childID, childRel); err != nil {
				return err
			}

			continue
		}

		info, err := entry.Info()
		if err != nil {
			return ScratchErr("checkpoint", err)
		}

		data, err := s.fs.ReadFile(filepath.Join(s.live, childRel))
		if err != nil {
			return ScratchErr("checkpoint", err)
		}

		childID := s.allocIDLocked(objFile)
		s.durableChildren[dirID][name] = childID
		s.durableFiles[childID] = fileSnapshot{data: data, perm: info.Mode().Perm()}
	}

	return nil
}

// Restore discards everything written to [Scratch.Dir] since the last
// [Scratch.Checkpoint] and replays the checkpointed baseline into a fresh
// working directory, returning its path.
func (s *Scratch) Restore() (string, error) {
	oldLive := s.live

	workDir, err := os.MkdirTemp(s.baseDir, "scratch-*")
	if err != nil {
		return "", ScratchErr("create work dir", err)
	}

	s.live = workDir

	if err := s.replayLocked(rootID, ""); err != nil {
		_ = os.RemoveAll(workDir)

		s.live = oldLive

		return "", err
	}

	_ = os.RemoveAll(oldLive)

	return s.live, nil
}

func (s *Scratch) replayLocked(id objID, rel string) error {
	abs := filepath.Join(s.live, rel)

	switch s.kind[id] {
	case objDir:
		if rel != "" {
			if err := s.fs.MkdirAll(abs, 0o755); err != nil {
				return ScratchErr("replay mkdir", err)
			}
		}

		for _, name := range sortedChildNames(s.durableChildren[id]) {
			childID := s.durableChildren[id][name]
			if err := s.replayLocked(childID, filepath.Join(rel, name)); err != nil {
				return err
			}
		}
	case objFile:
		snap := s.durableFiles[id]
		if err := s.fs.WriteFile(abs, snap.data, snap.perm); err != nil {
			return ScratchErr("replay write", err)
		}
	}

	return nil
}

func (s *Scratch) allocIDLocked(kind objKind) objID {
	id := s.nextID
	s.nextID++

	s.kind[id] = kind
	if kind == objDir {
		s.durableChildren[id] = make(map[string]objID)
	}

	return id
}

func sortedChildNames(children map[string]objID) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
