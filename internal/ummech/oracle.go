package ummech

import "github.com/calvinalkan/pathfinder/internal/trace"

// TypeInfo describes the field a store instruction modifies, as resolved
// by a [TypeOracle]. It is the in-memory shape of the "given a store,
// return the type and offset-within-type it modifies" query answered by
// a debug-info/type crawler, out of scope to build here.
type TypeInfo struct {
	// Type is the LLVM/struct type name owning the modified field, e.g.
	// "struct.superblock".
	Type string

	// InstanceAddr is the base address of the specific instance of Type
	// this store falls within.
	InstanceAddr uint64

	// Field identifies the modified field, e.g. "checksum" or
	// "entries[3]" with the index already resolved.
	Field string

	// FieldIsArray reports whether Field's declared type is an array
	// type, used by the repeated-field split's gap-tolerance rule.
	FieldIsArray bool

	// SizeofT is sizeof(Type) in bytes, used by the interruption split's
	// store-id-gap heuristic.
	SizeofT uint64
}

// TypeOracle resolves the type/field a store event modifies. Lookup
// returns ok == false for stores the oracle has no type information for
// (e.g. raw memcpy into untyped scratch space); ExtractPM skips such
// stores entirely, since they cannot be grouped by type.
type TypeOracle interface {
	Lookup(ev *trace.Event) (TypeInfo, bool)
}

// NoopOracle is a TypeOracle that never resolves type information. The
// given ingest format (internal/trace.Event) carries no type/field
// metadata — that requires a debug-info/DWARF crawler, explicitly out of
// scope here — so ExtractPM run against NoopOracle skips every store
// rather than misclassifying it. Callers that have a real type crawler
// available supply their own TypeOracle instead; NoopOracle is what
// cmd/pathfinder falls back to.
type NoopOracle struct{}

// Lookup always reports no type information.
func (NoopOracle) Lookup(*trace.Event) (TypeInfo, bool) { return TypeInfo{}, false }
