package trace

import (
	"path/filepath"
	"strings"
)

// Linux open(2) flag bits, named independently of the syscall package since
// traces are captured on Linux regardless of the host running Pathfinder.
const (
	oCreat = 0o100
)

// Whence values for lseek(2), matching POSIX/Linux.
const (
	seekSet = 0
	seekCur = 1
	seekEnd = 2
)

// DecomposeConfig controls syscall micro-event derivation.
type DecomposeConfig struct {
	// SkipLogPaths is not read: [DecomposeSyscalls] derives micro-events
	// for every path, and posixgraph's decomposed-dependency clause skips
	// paths matching [IsLogPath] whatever this field holds.
	SkipLogPaths bool
}

// IsLogPath reports whether path matches the POSIX decomposition's
// application-specific "LOG" substring heuristic (, Open
// Questions), preserved verbatim rather than generalized.
func IsLogPath(path string) bool {
	return strings.Contains(path, "LOG")
}

type fdState struct {
	path   string
	offset int64
}

// DecomposeSyscalls derives micro-events for every syscall event in tr.
// It is a second pass over an already-ingested trace; the
// [DecomposeConfig] argument is not read.
func DecomposeSyscalls(tr *Trace, _ DecomposeConfig) error {
	fds := make(map[int]*fdState)
	sizes := make(map[string]int64)

	for i := range tr.Events {
		ev := &tr.Events[i]
		decomposeOne(ev, fds, sizes)
	}

	return nil
}

func decomposeOne(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	switch ev.Kind {
	case KindOpen, KindCreat:
		decomposeOpen(ev, fds, sizes)
	case KindClose:
		delete(fds, ev.Fd)
	case KindWrite, KindPwrite, KindPwritev, KindWritev:
		decomposeWrite(ev, fds, sizes)
	case KindFallocate:
		decomposeFallocate(ev, fds, sizes)
	case KindFtruncate:
		decomposeFtruncate(ev, fds, sizes)
	case KindUnlink:
		decomposeUnlink(ev, fds, sizes)
	case KindRename:
		decomposeRename(ev, fds, sizes)
	case KindMkdir:
		ev.Micro = []MicroEvent{
			{Kind: MicroAddDirInode, Path: ev.Path},
			{Kind: MicroInodeDirWrite, Path: dirnameOf(ev.Path)},
		}
	case KindRmdir:
		ev.Micro = []MicroEvent{
			{Kind: MicroSetAttr, Path: ev.Path},
			{Kind: MicroInodeDirWrite, Path: dirnameOf(ev.Path)},
		}
	case KindLseek:
		decomposeLseek(ev, fds)
	}
}

func decomposeOpen(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	path := ev.Path

	if ev.Kind == KindCreat || ev.Flags&oCreat != 0 {
		if _, known := sizes[path]; !known {
			sizes[path] = 0
			ev.Micro = []MicroEvent{
				{Kind: MicroAddFileInode, Path: path},
				{Kind: MicroInodeDirWrite, Path: dirnameOf(path)},
			}
		}
	}

	fds[ev.Fd] = &fdState{path: path, offset: 0}
}

func decomposeWrite(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	st, ok := fds[ev.Fd]

	offset := ev.Offset

	switch ev.Kind {
	case KindPwrite, KindPwritev:
		// Explicit offset, does not move the fd cursor.
	default:
		if ok {
			offset = st.offset
		}
	}

	path := ""
	if ok {
		path = st.path
	} else {
		path = ev.Path
	}

	ev.Path = path

	size := ev.Length

	micro := []MicroEvent{{Kind: MicroDataWrite, Path: path, Offset: offset, Len: size}}

	end := offset + size
	if cur, known := sizes[path]; !known || end > cur {
		sizes[path] = end
		micro = append(micro, MicroEvent{Kind: MicroSetAttr, Path: path})
	}

	ev.Micro = micro

	if ok && (ev.Kind == KindWrite || ev.Kind == KindWritev) {
		st.offset = end
	}
}

func decomposeFallocate(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	path := resolveFdPath(ev, fds)
	ev.Path = path

	ev.Micro = []MicroEvent{
		{Kind: MicroSetAttr, Path: path},
		{Kind: MicroDataWrite, Path: path, Offset: ev.Offset, Len: ev.Length},
	}

	end := ev.Offset + ev.Length
	if cur, known := sizes[path]; !known || end > cur {
		sizes[path] = end
	}
}

func decomposeFtruncate(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	path := resolveFdPath(ev, fds)
	ev.Path = path

	newLen := ev.Length
	oldLen, known := sizes[path]

	switch {
	case known && newLen < oldLen:
		ev.Micro = []MicroEvent{
			{Kind: MicroDataWrite, Path: path, Offset: newLen, Len: oldLen - newLen},
			{Kind: MicroSetAttr, Path: path},
		}
	default:
		ev.Micro = []MicroEvent{{Kind: MicroSetAttr, Path: path}}
	}

	sizes[path] = newLen
}

func decomposeUnlink(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	path := ev.Path

	for fd, st := range fds {
		if st.path == path {
			delete(fds, fd)
		}
	}

	delete(sizes, path)

	ev.Micro = []MicroEvent{
		{Kind: MicroInodeDirWrite, Path: dirnameOf(path)},
		{Kind: MicroSetAttr, Path: path},
	}
}

func decomposeRename(ev *Event, fds map[int]*fdState, sizes map[string]int64) {
	oldPath, newPath := ev.Path, ev.NewPath

	if size, ok := sizes[oldPath]; ok {
		sizes[newPath] = size
		delete(sizes, oldPath)
	}

	for _, st := range fds {
		if st.path == oldPath {
			st.path = newPath
		}
	}

	ev.Micro = []MicroEvent{
		{Kind: MicroInodeDirWrite, Path: dirnameOf(oldPath)},
		{Kind: MicroInodeDirWrite, Path: dirnameOf(newPath)},
	}
}

func decomposeLseek(ev *Event, fds map[int]*fdState) {
	st, ok := fds[ev.Fd]
	if !ok {
		return
	}

	switch ev.Whence {
	case seekSet:
		st.offset = ev.Offset
	case seekCur:
		st.offset += ev.Offset
	case seekEnd:
		// File size isn't tracked per-fd here; callers needing exact
		// SEEK_END resolution should consult the path-size shadow map
		// directly. We approximate by leaving the cursor unresolved.
	}
}

func resolveFdPath(ev *Event, fds map[int]*fdState) string {
	if ev.Path != "" {
		return ev.Path
	}

	if st, ok := fds[ev.Fd]; ok {
		return st.path
	}

	return ""
}

func dirnameOf(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}

	return dir
}
