package rotation

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/coniks-sys/vaultfs/crypto/digest"
	"github.com/coniks-sys/vaultfs/crypto/pprf"
	"github.com/coniks-sys/vaultfs/vaultlog"
	"github.com/coniks-sys/vaultfs/volume/anchor"
	"github.com/coniks-sys/vaultfs/volume/fkt"
	"github.com/coniks-sys/vaultfs/volume/header"
	"github.com/coniks-sys/vaultfs/volume/journal"
	"github.com/coniks-sys/vaultfs/volume/keytable"
)

type memDevice struct {
	sectors map[uint64][]byte
}

func newMemDevice() *memDevice { return &memDevice{sectors: make(map[uint64][]byte)} }

func (m *memDevice) ReadSector(sector uint64) ([]byte, error) {
	if buf, ok := m.sectors[sector]; ok {
		return append([]byte(nil), buf...), nil
	}
	return make([]byte, header.SectorSize), nil
}

func (m *memDevice) WriteSector(sector uint64, data []byte) error {
	m.sectors[sector] = append([]byte(nil), data...)
	return nil
}

func (m *memDevice) Sync() error  { return nil }
func (m *memDevice) Close() error { return nil }

func newTestController(t *testing.T) (*Controller, *pprf.State) {
	t.Helper()

	state, err := pprf.New(16, [16]byte{}, [16]byte{3})
	if err != nil {
		t.Fatalf("pprf.New: %v", err)
	}
	dev := newMemDevice()
	const sectorN = 4
	tbl := keytable.New(dev, 0, sectorN, [16]byte{8}, 16, state)
	if err := tbl.Init(state); err != nil {
		t.Fatalf("Table.Init: %v", err)
	}

	tree, err := fkt.New(sectorN)
	if err != nil {
		t.Fatalf("fkt.New: %v", err)
	}

	jdev := newMemDevice()
	jrnl, err := journal.New(jdev, 0, 16)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	f, err := os.CreateTemp(t.TempDir(), "anchor")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	f.Close()
	anc, err := anchor.OpenFileAnchor(f.Name())
	if err != nil {
		t.Fatalf("OpenFileAnchor: %v", err)
	}
	if err := anc.DefineSlot("master"); err != nil {
		t.Fatalf("DefineSlot: %v", err)
	}

	ctl := New(Config{
		Table:           tbl,
		Tree:            tree,
		Journal:         jrnl,
		Anchor:          anc,
		MasterSlot:      "master",
		MasterKey:       make([]byte, 32),
		Depth:           16,
		IV:              [16]byte{},
		RefreshInterval: 0,
		Logger:          vaultlog.New(&vaultlog.Config{Environment: "production"}),
	})
	return ctl, state
}

func TestRotatePreservesKeyTableLookups(t *testing.T) {
	ctl, state := newTestController(t)

	keyBefore, _, err := ctl.table.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup before rotate: %v", err)
	}

	if err := ctl.Rotate(state); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	keyAfter, _, err := ctl.table.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup after rotate: %v", err)
	}
	if keyAfter != keyBefore {
		t.Fatalf("rotation changed inode 1's file key, want unchanged")
	}

	rec, err := ctl.jrnl.Read()
	if err != nil {
		t.Fatalf("Read journal: %v", err)
	}
	if rec.Type != journal.None {
		t.Fatalf("journal not cleared after Rotate: type=%v", rec.Type)
	}
}

func TestRotateRotatesMasterKey(t *testing.T) {
	ctl, state := newTestController(t)
	oldMaster := append([]byte(nil), ctl.MasterKey()...)

	if err := ctl.Rotate(state); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if bytesEqual(ctl.MasterKey(), oldMaster) {
		t.Fatalf("master key unchanged after Rotate")
	}

	slot, err := ctl.anc.ReadSlot(ctl.masterSlot)
	if err != nil {
		t.Fatalf("ReadSlot: %v", err)
	}
	if !bytesEqual(slot[:32], ctl.MasterKey()) {
		t.Fatalf("anchor slot does not hold the new master key")
	}
}

func TestNotePunctureTriggersRotationAtRefreshInterval(t *testing.T) {
	ctl, state := newTestController(t)
	ctl.refreshInterval = 2

	oldMaster := append([]byte(nil), ctl.MasterKey()...)
	if err := ctl.NotePuncture(state); err != nil {
		t.Fatalf("NotePuncture 1: %v", err)
	}
	if !bytesEqual(ctl.MasterKey(), oldMaster) {
		t.Fatalf("rotation fired before the refresh interval was reached")
	}
	if err := ctl.NotePuncture(state); err != nil {
		t.Fatalf("NotePuncture 2: %v", err)
	}
	if bytesEqual(ctl.MasterKey(), oldMaster) {
		t.Fatalf("rotation did not fire once the refresh interval was reached")
	}
}

func TestReplayPPRFRotFinishesAnInterruptedRotation(t *testing.T) {
	ctl, _ := newTestController(t)

	newState, err := pprf.New(16, [16]byte{}, [16]byte{77})
	if err != nil {
		t.Fatalf("pprf.New: %v", err)
	}
	if err := ctl.journalEpoch(journal.PPRFRot, newState); err != nil {
		t.Fatalf("journalEpoch: %v", err)
	}

	rec, err := ctl.jrnl.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Type != journal.PPRFRot {
		t.Fatalf("unexpected record type %v", rec.Type)
	}

	if _, err := ctl.ReplayPPRFRot(rec.Payload, false); err != nil {
		t.Fatalf("ReplayPPRFRot: %v", err)
	}

	if _, _, err := ctl.table.Lookup(1); err != nil {
		t.Fatalf("Lookup after replay: %v", err)
	}

	after, err := ctl.jrnl.Read()
	if err != nil {
		t.Fatalf("Read after replay: %v", err)
	}
	if after.Type != journal.None {
		t.Fatalf("journal not cleared after replay: type=%v", after.Type)
	}
}

func TestReplayMasterRotAppliesWhenHashMatches(t *testing.T) {
	ctl, _ := newTestController(t)
	newMaster := make([]byte, 32)
	for i := range newMaster {
		newMaster[i] = byte(i + 1)
	}

	payload, err := ctl.encodeMasterRot(newMaster)
	if err != nil {
		t.Fatalf("encodeMasterRot: %v", err)
	}

	if err := ctl.ReplayMasterRot(payload); err != nil {
		t.Fatalf("ReplayMasterRot: %v", err)
	}
	if !bytesEqual(ctl.MasterKey(), newMaster) {
		t.Fatalf("ReplayMasterRot did not install the new master key")
	}
}

func TestSizeArenaScalesWithRefreshIntervalAndDepth(t *testing.T) {
	got := SizeArena(100, 16)
	want := uint32(100 * holepunchKeyGrowthMult * 16)
	if got != want {
		t.Fatalf("SizeArena(100, 16) = %d, want %d", got, want)
	}
}

func TestReplayMasterRotSkipsWhenHashMismatches(t *testing.T) {
	ctl, _ := newTestController(t)
	current := append([]byte(nil), ctl.MasterKey()...)

	payload := make([]byte, 8+16+digest.HashSizeByte)
	binary.LittleEndian.PutUint64(payload[:8], 16)
	if err := ctl.ReplayMasterRot(payload); err != nil {
		t.Fatalf("ReplayMasterRot: %v", err)
	}
	if !bytesEqual(ctl.MasterKey(), current) {
		t.Fatalf("master key changed despite a hash mismatch")
	}
}
