package trace

import (
	"strings"
	"testing"
)

func Test_IngestPM_Parses_Store_With_Frames(t *testing.T) {
	body := "START||STORE;0x1000;0x8;deadbeefdeadbeef;0x2000: main (a.c:5)||STOP"

	tr, err := IngestPM(strings.NewReader(body))
	if err != nil {
		t.Fatalf("IngestPM: %v", err)
	}

	if got, want := tr.Len(), 1; got != want {
		t.Fatalf("Len()=%d, want=%d", got, want)
	}

	ev := tr.At(0)

	if got, want := ev.Kind, KindStore; got != want {
		t.Fatalf("Kind=%v, want=%v", got, want)
	}

	if got, want := ev.Addr, uint64(0x1000); got != want {
		t.Fatalf("Addr=%#x, want=%#x", got, want)
	}

	if got, want := ev.Size, uint64(0x8); got != want {
		t.Fatalf("Size=%#x, want=%#x", got, want)
	}

	if got, want := len(ev.Backtrace), 1; got != want {
		t.Fatalf("len(Backtrace)=%d, want=%d", got, want)
	}

	if got, want := ev.Backtrace[0].Function, "main"; got != want {
		t.Fatalf("Backtrace[0].Function=%q, want=%q", got, want)
	}

	if got, want := ev.Backtrace[0].Line, 5; got != want {
		t.Fatalf("Backtrace[0].Line=%d, want=%d", got, want)
	}
}

func Test_IngestPM_Parses_Unresolved_Frame(t *testing.T) {
	body := "START||FENCE;0x3000: ?? (??:?)||STOP"

	tr, err := IngestPM(strings.NewReader(body))
	if err != nil {
		t.Fatalf("IngestPM: %v", err)
	}

	ev := tr.At(0)

	if len(ev.Backtrace) != 1 {
		t.Fatalf("expected one frame, got %d", len(ev.Backtrace))
	}

	if !ev.Backtrace[0].Unknown {
		t.Fatalf("expected frame with ?? function/file to be Unknown")
	}
}

func Test_IngestPM_Unescapes_Write_Buffer(t *testing.T) {
	body := "START||WRITE;0x3;0x0;0x4;aSEMICOMMAbNEWLINEc||STOP"

	tr, err := IngestPM(strings.NewReader(body))
	if err != nil {
		t.Fatalf("IngestPM: %v", err)
	}

	ev := tr.At(0)

	if got, want := string(ev.Buffer), "a;b\nc"; got != want {
		t.Fatalf("Buffer=%q, want=%q", got, want)
	}
}

func Test_IngestPM_Returns_Empty_Trace_Without_Start_Marker(t *testing.T) {
	tr, err := IngestPM(strings.NewReader("garbage no markers here"))
	if err != nil {
		t.Fatalf("IngestPM: %v", err)
	}

	if got, want := tr.Len(), 0; got != want {
		t.Fatalf("Len()=%d, want=%d", got, want)
	}
}

func Test_IngestPM_Rejects_Unsupported_Field_Count(t *testing.T) {
	_, err := IngestPM(strings.NewReader("START||STORE;0x1||STOP"))
	if err == nil {
		t.Fatalf("expected error for short record")
	}
}
