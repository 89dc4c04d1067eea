package timestamp

import "testing"

func TestAddWraps(t *testing.T) {
	var t1 Timestamp = 0xFFFFFFF0
	got := t1.Add(0x20)
	want := Timestamp(0x10)
	if got != want {
		t.Fatalf("Add wraparound: got %#x want %#x", uint32(got), uint32(want))
	}
}

func TestSubAcrossWraparound(t *testing.T) {
	a := Timestamp(0x10)
	b := Timestamp(0xFFFFFFF0)
	d := a.Sub(b)
	if d != 0x20 {
		t.Fatalf("Sub across wraparound: got %d want 32", d)
	}
	if !b.Before(a) {
		t.Fatalf("expected b before a across wraparound")
	}
}

func TestSubOrdinary(t *testing.T) {
	a := Timestamp(500)
	b := Timestamp(400)
	if d := a.Sub(b); d != 100 {
		t.Fatalf("Sub: got %d want 100", d)
	}
	if !b.Before(a) {
		t.Fatalf("expected b before a")
	}
	if a.Before(b) {
		t.Fatalf("did not expect a before b")
	}
}

func TestEqual(t *testing.T) {
	a := Timestamp(42)
	if !a.Equal(42) {
		t.Fatalf("expected equal")
	}
	if !a.EqualUint32(42) {
		t.Fatalf("expected EqualUint32 true")
	}
}
