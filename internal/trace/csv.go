package trace

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// csvHeader names the normalized dump columns. Backtraces and micro-events
// are not round-tripped through this format; it exists for ad-hoc inspection
// and diffing between runs, not as a third ingest path.
var csvHeader = []string{
	"timestamp", "tid", "kind", "addr", "size", "value_hex",
	"fd", "path", "new_path", "offset", "length", "flags", "perm",
	"buffer_hex", "whence", "workload_tid", "op_id",
}

// DumpCSV writes every event in tr to w as a flat CSV table, for debugging
// and golden-file comparisons between ingest runs.
func DumpCSV(w io.Writer, tr *Trace) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return TraceErr("dump csv", err)
	}

	for _, ev := range tr.Events {
		row := []string{
			strconv.FormatInt(ev.Timestamp, 10),
			strconv.FormatInt(ev.Tid, 10),
			ev.Kind.String(),
			strconv.FormatUint(ev.Addr, 16),
			strconv.FormatUint(ev.Size, 16),
			hex.EncodeToString(ev.Value),
			strconv.Itoa(ev.Fd),
			ev.Path,
			ev.NewPath,
			strconv.FormatInt(ev.Offset, 10),
			strconv.FormatInt(ev.Length, 10),
			strconv.Itoa(ev.Flags),
			strconv.FormatUint(uint64(ev.Perm), 10),
			hex.EncodeToString(ev.Buffer),
			strconv.Itoa(ev.Whence),
			strconv.FormatInt(ev.WorkloadTid, 10),
			strconv.FormatInt(ev.OpID, 10),
		}

		if err := cw.Write(row); err != nil {
			return TraceErr("dump csv", err)
		}
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		return TraceErr("dump csv", err)
	}

	return nil
}

// LoadCSV reads a dump produced by [DumpCSV] back into a Trace, re-deriving
// StoreID/WriteID assignment via Append rather than trusting the file.
func LoadCSV(r io.Reader) (*Trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, TraceErr("load csv", err)
	}

	if len(rows) == 0 {
		return New(), nil
	}

	tr := New()

	for i, row := range rows[1:] {
		ev, err := rowToEvent(row)
		if err != nil {
			return nil, Malformed("load csv", fmt.Errorf("row %d: %w", i, err))
		}

		tr.Append(ev)
	}

	tr.Freeze()

	return tr, nil
}

func rowToEvent(row []string) (Event, error) {
	kind, ok := kindFromToken(row[2])
	if !ok {
		return Event{}, fmt.Errorf("unrecognized kind %q", row[2])
	}

	tid, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse tid: %w", err)
	}

	addr, err := strconv.ParseUint(row[3], 16, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse addr: %w", err)
	}

	size, err := strconv.ParseUint(row[4], 16, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse size: %w", err)
	}

	value, err := hex.DecodeString(row[5])
	if err != nil {
		return Event{}, fmt.Errorf("decode value: %w", err)
	}

	if len(value) == 0 {
		value = nil
	}

	fd, err := strconv.Atoi(row[6])
	if err != nil {
		return Event{}, fmt.Errorf("parse fd: %w", err)
	}

	offset, err := strconv.ParseInt(row[9], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse offset: %w", err)
	}

	length, err := strconv.ParseInt(row[10], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse length: %w", err)
	}

	flags, err := strconv.Atoi(row[11])
	if err != nil {
		return Event{}, fmt.Errorf("parse flags: %w", err)
	}

	perm, err := strconv.ParseUint(row[12], 10, 32)
	if err != nil {
		return Event{}, fmt.Errorf("parse perm: %w", err)
	}

	buffer, err := hex.DecodeString(row[13])
	if err != nil {
		return Event{}, fmt.Errorf("decode buffer: %w", err)
	}

	if len(buffer) == 0 {
		buffer = nil
	}

	whence, err := strconv.Atoi(row[14])
	if err != nil {
		return Event{}, fmt.Errorf("parse whence: %w", err)
	}

	workloadTid, err := strconv.ParseInt(row[15], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse workload_tid: %w", err)
	}

	opID, err := strconv.ParseInt(row[16], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse op_id: %w", err)
	}

	return Event{
		Tid:         tid,
		Kind:        kind,
		Addr:        addr,
		Size:        size,
		Value:       value,
		Fd:          fd,
		Path:        row[7],
		NewPath:     row[8],
		Offset:      offset,
		Length:      length,
		Flags:       flags,
		Perm:        uint32(perm),
		Buffer:      buffer,
		Whence:      whence,
		WorkloadTid: workloadTid,
		OpID:        opID,
	}, nil
}
