package crashfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRegion models one RegisterFile range from a PM trace: a byte
// range of a backing file mapped into the simulated process's address
// space via mmap.
//
// Stores apply directly to the mapping; Flush/MSync are modeled by the PM
// materializer deciding which applied bytes survive a crash point, not by
// this type tracking dirtiness itself (that bookkeeping belongs to
// internal/pmgraph, which already computes it from the trace).
type MappedRegion struct {
	path string
	addr uint64
	size uint64
	data []byte
}

// MapFile mmaps [0, size) of the file at path, creating and truncating it
// to size first if it does not already exist at that length. addr is the
// simulated address the trace's RegisterFile event reported; callers use
// it to translate store addresses into offsets via [MappedRegion.Offset].
func MapFile(path string, addr, size uint64) (*MappedRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ScratchErr("map file", err)
	}

	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, ScratchErr("map file", fmt.Errorf("truncate: %w", err))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, ScratchErr("map file", fmt.Errorf("mmap: %w", err))
	}

	return &MappedRegion{path: path, addr: addr, size: size, data: data}, nil
}

// Unmap releases the mapping. The region must not be used afterward.
func (m *MappedRegion) Unmap() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	if err != nil {
		return ScratchErr("unmap", err)
	}

	return nil
}

// Contains reports whether addr falls within this region's mapped range.
func (m *MappedRegion) Contains(addr uint64) bool {
	return addr >= m.addr && addr < m.addr+m.size
}

// Offset translates a store's simulated address into a byte offset into
// this region. Callers must check [MappedRegion.Contains] first.
func (m *MappedRegion) Offset(addr uint64) uint64 {
	return addr - m.addr
}

// WriteAt applies a store's value at the given simulated address,
// returning an error if any byte falls outside the mapped range.
func (m *MappedRegion) WriteAt(addr uint64, value []byte) error {
	off := m.Offset(addr)

	if off+uint64(len(value)) > m.size {
		return ScratchErr("write at", fmt.Errorf("store [%#x, %#x) exceeds mapped range [%#x, %#x)",
			addr, addr+uint64(len(value)), m.addr, m.addr+m.size))
	}

	copy(m.data[off:], value)

	return nil
}

// ReadAt returns a copy of n bytes at the given simulated address.
func (m *MappedRegion) ReadAt(addr uint64, n int) ([]byte, error) {
	off := m.Offset(addr)

	if off+uint64(n) > m.size {
		return nil, ScratchErr("read at", fmt.Errorf("range [%#x, %#x) exceeds mapped range [%#x, %#x)",
			addr, addr+uint64(n), m.addr, m.addr+m.size))
	}

	out := make([]byte, n)
	copy(out, m.data[off:off+uint64(n)])

	return out, nil
}

// Msync flushes the mapping's dirty pages to the backing file, modeling a
// PM flush/fence reaching media. See [unix.Msync].
func (m *MappedRegion) Msync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return ScratchErr("msync", err)
	}

	return nil
}

// Size returns the mapped region's length in bytes.
func (m *MappedRegion) Size() uint64 { return m.size }

// Addr returns the simulated base address this region was registered at.
func (m *MappedRegion) Addr() uint64 { return m.addr }

// Path returns the backing file path this region is mapped onto.
func (m *MappedRegion) Path() string { return m.path }

// Snapshot returns a copy of the region's full current contents, for
// offline debugging of an inconsistent crash state ( step 5).
func (m *MappedRegion) Snapshot() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)

	return out
}
