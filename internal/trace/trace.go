package trace

import "fmt"

// Trace is a dense, insertion-ordered, append-only arena of [Event] values.
//
// Timestamps are assigned at append time and equal the event's index in
// Events. After [Trace.Freeze] no events are appended and the only writer
// is [DecomposeSyscalls], which fills in Path and Micro of syscall events;
// callers elsewhere in the module hold *Event pointers into the frozen
// arena rather than copying.
type Trace struct {
	Events []Event

	nextStoreID int64
	nextWriteID int64
	frozen      bool

	ranges TestingRanges
}

// New returns an empty Trace ready for ingest.
func New() *Trace {
	return &Trace{}
}

// Append assigns ev.Timestamp (and, if applicable, StoreID/WriteID) and adds
// it to the arena. Append panics if called after [Trace.Freeze].
func (t *Trace) Append(ev Event) *Event {
	if t.frozen {
		panic("trace: Append called on a frozen Trace")
	}

	ev.Timestamp = int64(len(t.Events))

	if ev.Kind == KindStore {
		ev.StoreID = t.nextStoreID
		t.nextStoreID++
	}

	if ev.Kind.IsWriteFamily() || ev.Kind == KindPread || ev.Kind == KindRead {
		ev.WriteID = t.nextWriteID
		t.nextWriteID++
	}

	t.Events = append(t.Events, ev)

	return &t.Events[len(t.Events)-1]
}

// Freeze finalizes the trace: it computes selective-testing ranges from any
// Marker events and makes the Trace read-only for the purposes of this
// package's invariants (Append panics afterward; Events itself is not made
// immutable by the Go runtime; apart from [DecomposeSyscalls], callers
// do not mutate it).
func (t *Trace) Freeze() {
	if t.frozen {
		return
	}

	t.ranges = buildTestingRanges(t.Events)
	t.frozen = true
}

// Len returns the number of events in the trace.
func (t *Trace) Len() int { return len(t.Events) }

// At returns a pointer to the event at timestamp ts.
func (t *Trace) At(ts VertexID) *Event {
	return &t.Events[ts]
}

// WithinTestingRange reports whether ts falls inside a selective-testing
// interval. If no markers were observed, the whole trace is in range.
func (t *Trace) WithinTestingRange(ts int64) bool {
	return t.ranges.Contains(ts)
}

// Validate checks the monotonicity and identity invariant
// Events[i].Timestamp == i. StoreID assignment is not checked.
func (t *Trace) Validate() error {
	for i, ev := range t.Events {
		if ev.Timestamp != int64(i) {
			return TraceErr("validate", fmt.Errorf("event %d has timestamp %d", i, ev.Timestamp))
		}
	}

	return nil
}
