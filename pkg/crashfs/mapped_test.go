package crashfs_test

import (
	"path/filepath"
	"testing"

	"github.com/calvinalkan/pathfinder/pkg/crashfs"
)

func Test_MapFile_WriteAt_ReadAt_RoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region.dat")

	region, err := crashfs.MapFile(path, 0x7f0000000000, 4096)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	defer func() {
		_ = region.Unmap()
	}()

	addr := uint64(0x7f0000000100)

	if err := region.WriteAt(addr, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got, err := region.ReadAt(addr, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if want := "hello"; string(got) != want {
		t.Fatalf("ReadAt=%q, want=%q", got, want)
	}
}

func Test_MappedRegion_WriteAt_Rejects_Out_Of_Range(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region.dat")

	region, err := crashfs.MapFile(path, 0, 16)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	defer func() {
		_ = region.Unmap()
	}()

	if err := region.WriteAt(10, []byte("0123456789")); err == nil {
		t.Fatalf("expected out-of-range WriteAt to fail")
	}
}

func Test_MappedRegion_Contains_Respects_Bounds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region.dat")

	region, err := crashfs.MapFile(path, 1000, 100)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	defer func() {
		_ = region.Unmap()
	}()

	if !region.Contains(1000) {
		t.Fatalf("expected region to contain its base address")
	}

	if region.Contains(1100) {
		t.Fatalf("did not expect region to contain its one-past-end address")
	}

	if region.Contains(999) {
		t.Fatalf("did not expect region to contain an address before its base")
	}
}

func Test_CheckpointStack_Push_Pop_Restores_Bytes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region.dat")

	region, err := crashfs.MapFile(path, 0, 64)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	defer func() {
		_ = region.Unmap()
	}()

	if err := region.WriteAt(0, []byte("initial-")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	cp := crashfs.NewCheckpointStack([]*crashfs.MappedRegion{region})
	cp.Push()

	if err := region.WriteAt(0, []byte("mutated-")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got, err := region.ReadAt(0, 8)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if want := "mutated-"; string(got) != want {
		t.Fatalf("ReadAt before Pop=%q, want=%q", got, want)
	}

	if err := cp.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	got, err = region.ReadAt(0, 8)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if want := "initial-"; string(got) != want {
		t.Fatalf("ReadAt after Pop=%q, want=%q", got, want)
	}
}

func Test_CheckpointStack_Pop_On_Empty_Stack_Errors(t *testing.T) {
	t.Parallel()

	cp := crashfs.NewCheckpointStack(nil)

	if err := cp.Pop(); err == nil {
		t.Fatalf("expected error popping an empty checkpoint stack")
	}
}
