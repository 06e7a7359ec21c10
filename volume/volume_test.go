package volume

import (
	"path/filepath"
	"testing"

	"github.com/coniks-sys/vaultfs/config"
	"github.com/coniks-sys/vaultfs/vaultlog"
	"github.com/coniks-sys/vaultfs/volume/anchor"
	"github.com/coniks-sys/vaultfs/volume/journal"
	"github.com/coniks-sys/vaultfs/volume/verrors"
)

func testConfig() *config.Config {
	return &config.Config{
		RefreshInterval:   64,
		MapCacheBuckets:   8,
		CacheEvictSeconds: 300,
		Logger:            &vaultlog.Config{Environment: "production"},
	}
}

func newTestVolume(t *testing.T, conf *config.Config) (*Volume, string, anchor.Anchor) {
	t.Helper()
	dir := t.TempDir()
	devPath := filepath.Join(dir, "vol.img")
	anc, err := anchor.OpenFileAnchor(filepath.Join(dir, "anchor"))
	if err != nil {
		t.Fatalf("OpenFileAnchor: %v", err)
	}
	v, err := Create(devPath, 0, 1<<20, []byte("owner-pw"), []byte("user-pw"), anc, conf)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v, devPath, anc
}

func TestCreateOpenLookupRoundTrip(t *testing.T) {
	conf := testConfig()
	v, devPath, anc := newTestVolume(t, conf)

	key1, iv1, err := v.Lookup(3)
	if err != nil {
		t.Fatalf("Lookup before close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(devPath, []byte("user-pw"), anc, conf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()

	key2, iv2, err := v2.Lookup(3)
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if key2 != key1 || iv2 != iv1 {
		t.Fatalf("inode 3's key changed across close/open")
	}
}

func TestOpenRejectsWrongPassword(t *testing.T) {
	conf := testConfig()
	v, devPath, anc := newTestVolume(t, conf)
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(devPath, []byte("not-the-password"), anc, conf); err != verrors.WrongPassword {
		t.Fatalf("Open with wrong password: got %v, want WrongPassword", err)
	}
}

func TestUnlinkReplacesKeyAndPreservesNeighbors(t *testing.T) {
	conf := testConfig()
	v, devPath, anc := newTestVolume(t, conf)

	key7, _, err := v.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7): %v", err)
	}
	key8, _, err := v.Lookup(8)
	if err != nil {
		t.Fatalf("Lookup(8): %v", err)
	}

	if err := v.Unlink(7); err != nil {
		t.Fatalf("Unlink(7): %v", err)
	}

	newKey7, _, err := v.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7) after unlink: %v", err)
	}
	if newKey7 == key7 {
		t.Fatalf("Unlink did not replace inode 7's key")
	}
	sameKey8, _, err := v.Lookup(8)
	if err != nil {
		t.Fatalf("Lookup(8) after unlink: %v", err)
	}
	if sameKey8 != key8 {
		t.Fatalf("Unlink(7) altered inode 8's key")
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	v2, err := Open(devPath, []byte("user-pw"), anc, conf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()
	reopened7, _, err := v2.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7) after reopen: %v", err)
	}
	if reopened7 != newKey7 {
		t.Fatalf("unlinked inode's fresh key not durable across reopen")
	}
	if reopened7 == key7 {
		t.Fatalf("unlinked inode's original key reappeared after reopen")
	}
}

// Refresh-interval rotation: after R punctures the PPRF and FKT roll
// over, the tag counter resets to the sector count, every live inode
// still resolves, and the anchor holds a fresh master key.
func TestRefreshIntervalRotation(t *testing.T) {
	conf := testConfig()
	conf.RefreshInterval = 2
	v, devPath, anc := newTestVolume(t, conf)

	keep, _, err := v.Lookup(12)
	if err != nil {
		t.Fatalf("Lookup(12): %v", err)
	}
	slotBefore, err := anc.ReadSlot(masterSlotName(0))
	if err != nil {
		t.Fatalf("ReadSlot before rotation: %v", err)
	}

	if err := v.Unlink(1); err != nil {
		t.Fatalf("Unlink(1): %v", err)
	}
	if err := v.Unlink(2); err != nil {
		t.Fatalf("Unlink(2): %v", err)
	}

	if got, want := v.table.TagCounter, v.table.SectorCount(); got != want {
		t.Fatalf("tag counter not reset by rotation: got %d, want %d", got, want)
	}
	slotAfter, err := anc.ReadSlot(masterSlotName(0))
	if err != nil {
		t.Fatalf("ReadSlot after rotation: %v", err)
	}
	if slotBefore == slotAfter {
		t.Fatalf("rotation did not publish a fresh master key to the anchor")
	}

	for inode := uint64(0); inode < 16; inode++ {
		if _, _, err := v.Lookup(inode); err != nil {
			t.Fatalf("Lookup(%d) after rotation: %v", inode, err)
		}
	}
	if keep2, _, _ := v.Lookup(12); keep2 != keep {
		t.Fatalf("rotation changed a live inode's file key")
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	v2, err := Open(devPath, []byte("user-pw"), anc, conf)
	if err != nil {
		t.Fatalf("Open after rotation: %v", err)
	}
	defer v2.Close()
	if keep3, _, err := v2.Lookup(12); err != nil || keep3 != keep {
		t.Fatalf("live inode's key not stable across rotation + reopen: key match=%v err=%v", keep3 == keep, err)
	}
}

// A crash after the PPRF_PUNCT record lands but before the destination
// writes and journal clear: mount replays the record, the unlinked inode
// resolves to its fresh key, and no other inode's key is altered.
func TestUnlinkCrashBeforeJournalClearReplaysOnOpen(t *testing.T) {
	conf := testConfig()
	v, devPath, anc := newTestVolume(t, conf)

	oldKey7, _, err := v.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7): %v", err)
	}
	key0, _, err := v.Lookup(0)
	if err != nil {
		t.Fatalf("Lookup(0): %v", err)
	}

	// Stage the unlink exactly as Volume.Unlink would, then "crash"
	// before the destination writes and the journal clear.
	before, err := encodePPRFRegion(v.table.State(), v.sb.PPRFArenaLen)
	if err != nil {
		t.Fatalf("encodePPRFRegion: %v", err)
	}
	res, encoded, err := v.table.PrepareUnlink(7)
	if err != nil {
		t.Fatalf("PrepareUnlink: %v", err)
	}
	sealed, err := v.ktDev.Seal(res.SectorIdx, encoded)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	after, err := encodePPRFRegion(v.table.State(), v.sb.PPRFArenaLen)
	if err != nil {
		t.Fatalf("encodePPRFRegion: %v", err)
	}
	entries := []journal.GenericEntry{{Sector: res.SectorIdx, Data: sealed}}
	entries = append(entries, diffRegionSectors(v.sb.PPRFArenaStart, before, after)...)
	if err := v.jrnl.Write(journal.Record{Type: journal.PPRFPunct, Payload: journal.EncodeGeneric(entries)}); err != nil {
		t.Fatalf("journal Write: %v", err)
	}
	v.cache.Stop()
	if err := v.dev.Close(); err != nil {
		t.Fatalf("dev Close: %v", err)
	}

	v2, err := Open(devPath, []byte("user-pw"), anc, conf)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer v2.Close()

	rec, err := v2.jrnl.Read()
	if err != nil {
		t.Fatalf("journal Read: %v", err)
	}
	if rec.Type != journal.None {
		t.Fatalf("journal not cleared by replay: type=%v", rec.Type)
	}

	replayed7, _, err := v2.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7) after replay: %v", err)
	}
	if replayed7 == oldKey7 {
		t.Fatalf("replay left inode 7's punctured key recoverable")
	}
	replayed0, _, err := v2.Lookup(0)
	if err != nil {
		t.Fatalf("Lookup(0) after replay: %v", err)
	}
	if replayed0 != key0 {
		t.Fatalf("replay altered inode 0's key")
	}
}

func TestStatsCountersTrackOperations(t *testing.T) {
	conf := testConfig()
	v, _, _ := newTestVolume(t, conf)
	defer v.Close()

	if _, _, err := v.Lookup(1); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := v.Unlink(2); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	st := v.Stats()
	if st.Evaluate == 0 {
		t.Fatalf("evaluate counter did not advance")
	}
	if st.Puncture != 1 {
		t.Fatalf("puncture counter = %d, want 1", st.Puncture)
	}
}

func TestDataRoundTripAndUnlinkDestroysIt(t *testing.T) {
	conf := testConfig()
	v, _, _ := newTestVolume(t, conf)
	defer v.Close()

	plain := make([]byte, 4096)
	for i := range plain {
		plain[i] = byte(i)
	}
	if err := v.WriteData(9, 0, plain); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	got, err := v.ReadData(9, 0)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("data round trip mismatch")
	}

	if err := v.Unlink(9); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	garbled, err := v.ReadData(9, 0)
	if err != nil {
		t.Fatalf("ReadData after unlink: %v", err)
	}
	if string(garbled) == string(plain) {
		t.Fatalf("data still decrypts after its key was punctured")
	}
}

func TestRekeyReplacesKeyInPlace(t *testing.T) {
	conf := testConfig()
	v, _, _ := newTestVolume(t, conf)
	defer v.Close()

	key5, _, err := v.Lookup(5)
	if err != nil {
		t.Fatalf("Lookup(5): %v", err)
	}
	if err := v.Rekey(5); err != nil {
		t.Fatalf("Rekey(5): %v", err)
	}
	newKey5, _, err := v.Lookup(5)
	if err != nil {
		t.Fatalf("Lookup(5) after rekey: %v", err)
	}
	if newKey5 == key5 {
		t.Fatalf("Rekey did not replace inode 5's key")
	}
}
