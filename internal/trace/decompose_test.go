package trace

import "testing"

func microKinds(ev *Event) []MicroKind {
	out := make([]MicroKind, len(ev.Micro))
	for i, m := range ev.Micro {
		out[i] = m.Kind
	}

	return out
}

func eqMicroKinds(got, want []MicroKind) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}

	return true
}

func Test_DecomposeSyscalls_Creat_Emits_AddFileInode_And_DirWrite(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindCreat, Path: "/a/b.txt", Fd: 3})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(0))
	want := []MicroKind{MicroAddFileInode, MicroInodeDirWrite}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}
}

func Test_DecomposeSyscalls_Open_Without_Creat_Emits_No_Micro(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindOpen, Path: "/a/b.txt", Fd: 3, Flags: 0})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	if got := len(tr.At(0).Micro); got != 0 {
		t.Fatalf("micro count=%d, want=0", got)
	}
}

func Test_DecomposeSyscalls_Write_Growing_File_Emits_DataWrite_And_SetAttr(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindOpen, Path: "/a/b.txt", Fd: 3})
	tr.Append(Event{Kind: KindWrite, Fd: 3, Length: 10})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(1))
	want := []MicroKind{MicroDataWrite, MicroSetAttr}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}

	if got, want := tr.At(1).Path, "/a/b.txt"; got != want {
		t.Fatalf("Path=%q, want=%q (resolved from fd)", got, want)
	}
}

func Test_DecomposeSyscalls_Overwrite_Within_File_Size_Omits_SetAttr(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindOpen, Path: "/a/b.txt", Fd: 3})
	tr.Append(Event{Kind: KindWrite, Fd: 3, Length: 100})
	tr.Append(Event{Kind: KindPwrite, Fd: 3, Offset: 0, Length: 10})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(2))
	want := []MicroKind{MicroDataWrite}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}
}

func Test_DecomposeSyscalls_Ftruncate_Shrinking_Emits_DataWrite_And_SetAttr(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindOpen, Path: "/a/b.txt", Fd: 3})
	tr.Append(Event{Kind: KindWrite, Fd: 3, Length: 100})
	tr.Append(Event{Kind: KindFtruncate, Fd: 3, Length: 10})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(2))
	want := []MicroKind{MicroDataWrite, MicroSetAttr}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}

	m := tr.At(2).Micro[0]
	if got, want := m.Offset, int64(10); got != want {
		t.Fatalf("DataWrite.Offset=%d, want=%d", got, want)
	}

	if got, want := m.Len, int64(90); got != want {
		t.Fatalf("DataWrite.Len=%d, want=%d", got, want)
	}
}

func Test_DecomposeSyscalls_Ftruncate_Growing_Emits_SetAttr_Only(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindOpen, Path: "/a/b.txt", Fd: 3})
	tr.Append(Event{Kind: KindWrite, Fd: 3, Length: 10})
	tr.Append(Event{Kind: KindFtruncate, Fd: 3, Length: 100})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(2))
	want := []MicroKind{MicroSetAttr}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}
}

func Test_DecomposeSyscalls_Rename_Moves_Size_Tracking_And_Emits_Both_Dir_Writes(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindCreat, Path: "/a/old.txt", Fd: 3})
	tr.Append(Event{Kind: KindRename, Path: "/a/old.txt", NewPath: "/b/new.txt"})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(1))
	want := []MicroKind{MicroInodeDirWrite, MicroInodeDirWrite}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}

	if got, want := tr.At(1).Micro[0].Path, "/a"; got != want {
		t.Fatalf("old parent=%q, want=%q", got, want)
	}

	if got, want := tr.At(1).Micro[1].Path, "/b"; got != want {
		t.Fatalf("new parent=%q, want=%q", got, want)
	}
}

func Test_DecomposeSyscalls_Unlink_Clears_Tables_And_Emits_DirWrite_SetAttr(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindCreat, Path: "/a/old.txt", Fd: 3})
	tr.Append(Event{Kind: KindUnlink, Path: "/a/old.txt"})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	got := microKinds(tr.At(1))
	want := []MicroKind{MicroInodeDirWrite, MicroSetAttr}

	if !eqMicroKinds(got, want) {
		t.Fatalf("micro=%v, want=%v", got, want)
	}
}

func Test_DecomposeSyscalls_Mkdir_Rmdir_Emit_Inode_Updates(t *testing.T) {
	tr := New()
	tr.Append(Event{Kind: KindMkdir, Path: "/a/dir"})
	tr.Append(Event{Kind: KindRmdir, Path: "/a/dir"})
	tr.Freeze()

	if err := DecomposeSyscalls(tr, DecomposeConfig{}); err != nil {
		t.Fatalf("DecomposeSyscalls: %v", err)
	}

	mkdirGot := microKinds(tr.At(0))
	if want := (([]MicroKind{MicroAddDirInode, MicroInodeDirWrite})); !eqMicroKinds(mkdirGot, want) {
		t.Fatalf("mkdir micro=%v, want=%v", mkdirGot, want)
	}

	rmdirGot := microKinds(tr.At(1))
	if want := (([]MicroKind{MicroSetAttr, MicroInodeDirWrite})); !eqMicroKinds(rmdirGot, want) {
		t.Fatalf("rmdir micro=%v, want=%v", rmdirGot, want)
	}
}

func Test_IsLogPath_Matches_Substring(t *testing.T) {
	if !IsLogPath("/var/db/WAL_LOG.1") {
		t.Fatalf("expected /var/db/WAL_LOG.1 to match LOG heuristic")
	}

	if IsLogPath("/var/db/data.db") {
		t.Fatalf("did not expect data.db to match LOG heuristic")
	}
}
