package fkt

import "testing"

var testMasterKey = make([]byte, 32)

func TestWidthInvariants(t *testing.T) {
	tr, err := New(5000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if uint64(tr.TopWidth)*M < uint64(tr.BottomWidth) {
		t.Fatalf("TopWidth*M (%d) < BottomWidth (%d)", uint64(tr.TopWidth)*M, tr.BottomWidth)
	}
	if uint64(tr.BottomWidth)*M < 5000 {
		t.Fatalf("BottomWidth*M (%d) < key-table sector count 5000", uint64(tr.BottomWidth)*M)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tr, err := New(300)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keyBefore, err := tr.KeyFor(42)
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}

	ct, err := tr.EncodeBottomSector(0, testMasterKey)
	if err != nil {
		t.Fatalf("EncodeBottomSector: %v", err)
	}

	fresh, err := New(300)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fresh.DecodeBottomSector(0, ct, testMasterKey); err != nil {
		t.Fatalf("DecodeBottomSector: %v", err)
	}
	keyAfter, err := fresh.KeyFor(42)
	if err != nil {
		t.Fatalf("KeyFor after decode: %v", err)
	}
	if keyBefore != keyAfter {
		t.Fatalf("round trip changed the at-rest key: %x != %x", keyAfter, keyBefore)
	}
}

// Mirrors rotation step 4: refilling the tree must change every key-table
// sector's at-rest key, since nothing on disk retains the prior value.
func TestRefillChangesEveryKey(t *testing.T) {
	tr, err := New(300)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before, err := tr.KeyFor(10)
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if err := tr.Refill(); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	after, err := tr.KeyFor(10)
	if err != nil {
		t.Fatalf("KeyFor after refill: %v", err)
	}
	if before == after {
		t.Fatalf("Refill did not change the key for sector 10 (probability ~2^-128 if truly random)")
	}
}

func TestKeyForOutOfRange(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.KeyFor(uint64(tr.BottomWidth) * M); err != ErrIndexOutOfRange {
		t.Fatalf("KeyFor out of range: got %v, want ErrIndexOutOfRange", err)
	}
}
