package pprf

import "testing"

func mustNew(t *testing.T, depth uint8) *State {
	t.Helper()
	s, err := New(depth, [prgInputLen]byte{}, [KeyLen]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// S1: depth=2, IV=zero: puncture tag=0b10, then evaluate(0b00), (0b01),
// (0b11) succeed; evaluate(0b10) is None.
func TestPunctureIsolatesOnlyTargetTag(t *testing.T) {
	s := mustNew(t, 2)
	tag10 := TagFromCounter(0b10, 2)
	if _, err := s.Puncture(tag10); err != nil {
		t.Fatalf("Puncture: %v", err)
	}

	for _, c := range []uint64{0b00, 0b01, 0b11} {
		tag := TagFromCounter(c, 2)
		if _, ok, err := s.Evaluate(tag); err != nil || !ok {
			t.Fatalf("Evaluate(%02b): ok=%v err=%v, want live", c, ok, err)
		}
	}
	if _, ok, err := s.Evaluate(tag10); err != nil || ok {
		t.Fatalf("Evaluate(0b10): ok=%v err=%v, want punctured", ok, err)
	}
}

// S2: depth=2: puncture 0b01, then 0b10, then 0b01 again -> second returns
// AlreadyPunctured; arena size grows at most 2*depth per successful puncture.
func TestRepeatedPunctureIsIdempotentAndBoundsArenaGrowth(t *testing.T) {
	s := mustNew(t, 2)
	sizeBefore := s.Size

	if _, err := s.Puncture(TagFromCounter(0b01, 2)); err != nil {
		t.Fatalf("first puncture of 0b01: %v", err)
	}
	if got, want := s.Size-sizeBefore, uint32(2*2); got > want {
		t.Fatalf("arena grew by %d nodes, want <= %d", got, want)
	}
	sizeBefore = s.Size

	if _, err := s.Puncture(TagFromCounter(0b10, 2)); err != nil {
		t.Fatalf("puncture of 0b10: %v", err)
	}
	if got, want := s.Size-sizeBefore, uint32(2*2); got > want {
		t.Fatalf("arena grew by %d nodes, want <= %d", got, want)
	}

	if _, err := s.Puncture(TagFromCounter(0b01, 2)); err != ErrAlreadyPunctured {
		t.Fatalf("second puncture of 0b01: got err=%v, want ErrAlreadyPunctured", err)
	}
}

// S3: depth=16: for tags 0..16, puncture each, then for all tags 0..65535
// the count of None is exactly 16.
func TestPunctureSixteenTagsLeavesExactlySixteenDead(t *testing.T) {
	s := mustNew(t, 16)
	for c := uint64(0); c < 16; c++ {
		if _, err := s.Puncture(TagFromCounter(c, 16)); err != nil {
			t.Fatalf("puncture %d: %v", c, err)
		}
	}

	dead := 0
	for c := uint64(0); c < 65536; c++ {
		_, ok, err := s.Evaluate(TagFromCounter(c, 16))
		if err != nil {
			t.Fatalf("evaluate %d: %v", c, err)
		}
		if !ok {
			dead++
		}
	}
	if dead != 16 {
		t.Fatalf("got %d dead tags, want 16", dead)
	}
}

func TestEvaluateIsDeterministicAndOrderIndependent(t *testing.T) {
	a := mustNew(t, 8)
	b := mustNew(t, 8)

	tag5 := TagFromCounter(5, 8)
	out1, ok, err := a.Evaluate(tag5)
	if err != nil || !ok {
		t.Fatalf("Evaluate on a: ok=%v err=%v", ok, err)
	}
	out2, ok, err := b.Evaluate(tag5)
	if err != nil || !ok {
		t.Fatalf("Evaluate on b: ok=%v err=%v", ok, err)
	}
	if out1 != out2 {
		t.Fatalf("evaluate not deterministic across identical states: %x != %x", out1, out2)
	}

	// Puncturing an unrelated tag must not change tag5's value.
	if _, err := a.Puncture(TagFromCounter(9, 8)); err != nil {
		t.Fatalf("Puncture(9): %v", err)
	}
	out3, ok, err := a.Evaluate(tag5)
	if err != nil || !ok {
		t.Fatalf("Evaluate after unrelated puncture: ok=%v err=%v", ok, err)
	}
	if out3 != out1 {
		t.Fatalf("evaluate(5) changed after puncturing 9: %x != %x", out3, out1)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	s := mustNew(t, 8)
	if _, err := s.Puncture(TagFromCounter(3, 8)); err != nil {
		t.Fatalf("Puncture: %v", err)
	}

	data, err := s.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	restored, err := UnmarshalBinary(data)
	if err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	for _, c := range []uint64{2, 3, 4, 200} {
		tag := TagFromCounter(c, 8)
		wantOut, wantOK, err := s.Evaluate(tag)
		if err != nil {
			t.Fatalf("Evaluate original %d: %v", c, err)
		}
		gotOut, gotOK, err := restored.Evaluate(tag)
		if err != nil {
			t.Fatalf("Evaluate restored %d: %v", c, err)
		}
		if gotOK != wantOK || gotOut != wantOut {
			t.Fatalf("tag %d: restored state diverged: (%x,%v) != (%x,%v)", c, gotOut, gotOK, wantOut, wantOK)
		}
	}
}

func TestLabel(t *testing.T) {
	if got := Label(0, 0); got != "\"\"" {
		t.Fatalf("Label(0,0) = %q, want empty-string marker", got)
	}
	tag := TagFromCounter(0b101, 3)
	if got := Label(tag, 3); got != "101" {
		t.Fatalf("Label = %q, want 101", got)
	}
}
