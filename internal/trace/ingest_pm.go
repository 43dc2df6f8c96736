package trace

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// IngestPM parses the PM wire format: a `START||...||STOP`-framed stream
// of `;`-separated records. Addresses,
// sizes, and values are hexadecimal; stack frames are appended after the
// kind-specific payload, one per field, formatted "addr: function
// (file:line)". Buffer payloads escape embedded delimiters with the literal
// tokens NEWLINE and SEMICOMMA.
func IngestPM(r io.Reader) (*Trace, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, TraceErr("read pm trace", err)
	}

	body := string(raw)

	start := strings.Index(body, "START||")
	if start < 0 {
		return New(), nil
	}

	body = body[start+len("START||"):]

	if stop := strings.Index(body, "||STOP"); stop >= 0 {
		body = body[:stop]
	}

	tr := New()

	for i, rec := range strings.Split(body, "||") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}

		ev, err := parsePMRecord(rec)
		if err != nil {
			return nil, Malformed("parse pm record", fmt.Errorf("record %d: %w", i, err))
		}

		tr.Append(ev)
	}

	tr.Freeze()

	return tr, nil
}

func parsePMRecord(rec string) (Event, error) {
	fields := strings.Split(rec, ";")
	if len(fields) == 0 {
		return Event{}, fmt.Errorf("empty record")
	}

	kindTok := strings.TrimSpace(fields[0])

	kind, ok := kindFromToken(kindTok)
	if !ok {
		return Event{}, fmt.Errorf("unrecognized kind %q", kindTok)
	}

	payload := fields[1:]

	n, err := pmFieldCount(kind)
	if err != nil {
		return Event{}, err
	}

	if len(payload) < n {
		return Event{}, fmt.Errorf("kind %s: expected %d payload fields, got %d", kindTok, n, len(payload))
	}

	ev := Event{Kind: kind}

	if err := fillPMPayload(&ev, kind, payload[:n]); err != nil {
		return Event{}, fmt.Errorf("kind %s: %w", kindTok, err)
	}

	frames, err := parsePMFrames(payload[n:])
	if err != nil {
		return Event{}, err
	}

	ev.Backtrace = frames

	return ev, nil
}

func pmFieldCount(kind Kind) (int, error) {
	switch kind {
	case KindFence, KindMarkerBegin, KindMarkerEnd, KindSync:
		return 0, nil
	case KindFlush, KindMSync, KindUnregisterFile, KindFtruncate, KindClose,
		KindFsync, KindFdatasync, KindSyncfs:
		return 2, nil
	case KindStore, KindRegisterFile, KindFallocate:
		return 3, nil
	case KindWrite, KindPwrite, KindPwritev, KindWritev, KindOpen, KindCreat:
		return 4, nil
	case KindRename:
		return 2, nil
	case KindUnlink, KindMkdir, KindRmdir:
		return 1, nil
	default:
		return 0, fmt.Errorf("kind %s not supported in pm trace", kind)
	}
}

func parseHex64(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 64)
}

//nolint:cyclop // one branch per wire kind; splitting would obscure the 1:1 mapping to 
func fillPMPayload(ev *Event, kind Kind, f []string) error {
	switch kind {
	case KindStore:
		addr, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse addr: %w", err)
		}

		size, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse size: %w", err)
		}

		value, err := hex.DecodeString(strings.TrimSpace(f[2]))
		if err != nil {
			return fmt.Errorf("decode value: %w", err)
		}

		ev.Addr, ev.Size, ev.Value = addr, size, value
	case KindFlush, KindMSync, KindUnregisterFile:
		addr, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse addr: %w", err)
		}

		size, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse size: %w", err)
		}

		ev.Addr, ev.Size = addr, size
	case KindRegisterFile:
		addr, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse addr: %w", err)
		}

		size, err := parseHex64(f[2])
		if err != nil {
			return fmt.Errorf("parse size: %w", err)
		}

		ev.Path, ev.Addr, ev.Size = f[0], addr, size
	case KindWrite, KindPwrite, KindPwritev, KindWritev:
		fd, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse fd: %w", err)
		}

		off, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse offset: %w", err)
		}

		size, err := parseHex64(f[2])
		if err != nil {
			return fmt.Errorf("parse size: %w", err)
		}

		ev.Fd, ev.Offset, ev.Length = int(fd), int64(off), int64(size)
		ev.Buffer = []byte(unescapePMBuffer(f[3]))
	case KindFtruncate:
		fd, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse fd: %w", err)
		}

		length, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse length: %w", err)
		}

		ev.Fd, ev.Length = int(fd), int64(length)
	case KindFallocate:
		fd, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse fd: %w", err)
		}

		off, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse offset: %w", err)
		}

		length, err := parseHex64(f[2])
		if err != nil {
			return fmt.Errorf("parse length: %w", err)
		}

		ev.Fd, ev.Offset, ev.Length = int(fd), int64(off), int64(length)
	case KindOpen, KindCreat:
		flags, err := parseHex64(f[1])
		if err != nil {
			return fmt.Errorf("parse flags: %w", err)
		}

		perm, err := parseHex64(f[2])
		if err != nil {
			return fmt.Errorf("parse perm: %w", err)
		}

		fd, err := parseHex64(f[3])
		if err != nil {
			return fmt.Errorf("parse fd: %w", err)
		}

		ev.Path, ev.Flags, ev.Perm, ev.Fd = f[0], int(flags), uint32(perm), int(fd)
	case KindClose, KindFsync, KindFdatasync, KindSyncfs:
		fd, err := parseHex64(f[0])
		if err != nil {
			return fmt.Errorf("parse fd: %w", err)
		}

		ev.Fd = int(fd)
	case KindRename:
		ev.Path, ev.NewPath = f[0], f[1]
	case KindUnlink, KindMkdir, KindRmdir:
		ev.Path = f[0]
	case KindFence, KindMarkerBegin, KindMarkerEnd, KindSync:
		// No payload fields.
	default:
		return fmt.Errorf("kind %s not supported in pm trace", kind)
	}

	return nil
}

func unescapePMBuffer(s string) string {
	s = strings.ReplaceAll(s, "NEWLINE", "\n")
	s = strings.ReplaceAll(s, "SEMICOMMA", ";")

	return s
}

// parsePMFrames parses "addr: function (file:line)" frames. A "??" function
// or file marks an unresolved frame, retained rather than dropped.
func parsePMFrames(fields []string) ([]Frame, error) {
	frames := make([]Frame, 0, len(fields))

	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		addrPart, rest, ok := strings.Cut(field, ":")
		if !ok {
			return nil, fmt.Errorf("malformed pm frame %q", field)
		}

		addr, err := parseHex64(addrPart)
		if err != nil {
			return nil, fmt.Errorf("parse frame addr: %w", err)
		}

		rest = strings.TrimSpace(rest)

		function, loc, ok := strings.Cut(rest, "(")
		if !ok {
			return nil, fmt.Errorf("malformed pm frame %q", field)
		}

		function = strings.TrimSpace(function)
		loc = strings.TrimSuffix(strings.TrimSpace(loc), ")")

		file, lineStr, _ := strings.Cut(loc, ":")

		var line int64

		if lineStr != "" && lineStr != "?" {
			line, err = strconv.ParseInt(lineStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse frame line: %w", err)
			}
		}

		unknown := function == "??" || file == "??" || file == ""

		frames = append(frames, Frame{
			Function: function,
			File:     file,
			Line:     int(line),
			Addr:     addr,
			Unknown:  unknown,
		})
	}

	return frames, nil
}
