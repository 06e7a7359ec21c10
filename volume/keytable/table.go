package keytable

import (
	"crypto/aes"
	"fmt"
	"sync"

	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/crypto/pprf"
	"github.com/coniks-sys/vaultfs/volume/blockio"
	"github.com/coniks-sys/vaultfs/volume/verrors"
)

// Table is the key-table region: a sequence of sectors, each holding N
// FileKey entries, addressed by inode as sector = inode/N, slot = inode%N.
type Table struct {
	// mu is the per-volume reader/writer lock over the PPRF arena and
	// the sectors it wraps: evaluations share it, punctures and rotations
	// take it exclusively.
	mu        sync.RWMutex
	dev       blockio.Device
	start     uint64
	sectorN   uint64
	ivGenKey  [16]byte
	depth     uint8
	pprfState *pprf.State
	// TagCounter is the monotonically increasing tag allocator, reset on
	// every PPRF rotation.
	TagCounter uint64
}

// New wraps dev's key-table region starting at `start` for `sectors` sectors.
func New(dev blockio.Device, start, sectors uint64, ivGenKey [16]byte, depth uint8, state *pprf.State) *Table {
	return &Table{dev: dev, start: start, sectorN: sectors, ivGenKey: ivGenKey, depth: depth, pprfState: state}
}

func (t *Table) sectorFor(inode uint64) uint64 {
	return t.start + inode/uint64(N)
}

func (t *Table) slotFor(inode uint64) uint64 {
	return inode % uint64(N)
}

func sectorIV(ivGenKey [16]byte, tag uint64) [aes.BlockSize]byte {
	return blockcrypt.SectorIV(ivGenKey, tag)
}

func (t *Table) readSector(sector uint64) (*Sector, error) {
	raw, err := t.dev.ReadSector(sector)
	if err != nil {
		return nil, err
	}
	tagRaw := readTag(raw)
	wrapKey, ok, err := WrappingKey(t.pprfState, tagRaw, t.depth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.AlreadyPunctured
	}
	return Decode(raw, wrapKey, sectorIV(t.ivGenKey, tagRaw))
}

func readTag(raw []byte) uint64 {
	return uint64(raw[0]) | uint64(raw[1])<<8 | uint64(raw[2])<<16 | uint64(raw[3])<<24 |
		uint64(raw[4])<<32 | uint64(raw[5])<<40 | uint64(raw[6])<<48 | uint64(raw[7])<<56
}

func (t *Table) writeSector(sector uint64, s *Sector) error {
	wrapKey, ok, err := WrappingKey(t.pprfState, s.Tag, t.depth)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.AlreadyPunctured
	}
	raw, err := s.Encode(wrapKey, sectorIV(t.ivGenKey, s.Tag))
	if err != nil {
		return err
	}
	return t.dev.WriteSector(sector, raw)
}

// Lookup returns inode's key and IV, reading and unwrapping its sector if
// necessary. The map cache sits above Table in volume.Volume; Table
// itself is always a cold read.
func (t *Table) Lookup(inode uint64) (key, iv [16]byte, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sector, err := t.readSector(t.sectorFor(inode))
	if err != nil {
		return key, iv, err
	}
	fk := sector.Entries[t.slotFor(inode)]
	return fk.Key, fk.IV, nil
}

// Rekey replaces inode's entry with fresh random bytes and marks the
// sector dirty by writing it back immediately.
func (t *Table) Rekey(inode uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sectorIdx := t.sectorFor(inode)
	sector, err := t.readSector(sectorIdx)
	if err != nil {
		return err
	}
	newKey, err := blockcrypt.RandomKey(16)
	if err != nil {
		return err
	}
	newIV, err := blockcrypt.RandomKey(16)
	if err != nil {
		return err
	}
	slot := t.slotFor(inode)
	copy(sector.Entries[slot].Key[:], newKey)
	copy(sector.Entries[slot].IV[:], newIV)
	return t.writeSector(sectorIdx, sector)
}

// UnlinkResult reports the state changes an Unlink produced, for the
// caller to journal before (or together with) writing them back.
type UnlinkResult struct {
	Sector    *Sector
	SectorIdx uint64
	NewTag    uint64
	OldTag    uint64
	PPRFIndex uint32
}

// PrepareUnlink computes an unlink without touching the device: rekey
// the entry, allocate a fresh tag, puncture the old tag,
// and return the re-encoded sector bytes alongside the UnlinkResult. The
// caller journals the returned bytes (together with the changed PPRF
// arena blocks) before the destination write, so the two tag-dependent
// steps land atomically across a crash.
func (t *Table) PrepareUnlink(inode uint64) (*UnlinkResult, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sectorIdx := t.sectorFor(inode)
	sector, err := t.readSector(sectorIdx)
	if err != nil {
		return nil, nil, err
	}
	if t.pprfState.Free() < uint32(2*t.depth) {
		return nil, nil, verrors.ArenaExhausted
	}
	slot := t.slotFor(inode)
	newKey, err := blockcrypt.RandomKey(16)
	if err != nil {
		return nil, nil, err
	}
	newIV, err := blockcrypt.RandomKey(16)
	if err != nil {
		return nil, nil, err
	}
	copy(sector.Entries[slot].Key[:], newKey)
	copy(sector.Entries[slot].IV[:], newIV)

	oldTag := sector.Tag
	t.TagCounter++
	newTag := t.TagCounter
	sector.Tag = newTag

	wrapKey, ok, err := WrappingKey(t.pprfState, newTag, t.depth)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, verrors.AlreadyPunctured
	}
	encoded, err := sector.Encode(wrapKey, sectorIV(t.ivGenKey, newTag))
	if err != nil {
		return nil, nil, err
	}

	res := &UnlinkResult{Sector: sector, SectorIdx: sectorIdx, NewTag: newTag, OldTag: oldTag}
	idx, err := t.pprfState.Puncture(pprf.TagFromCounter(oldTag, t.depth))
	if err == pprf.ErrAlreadyPunctured {
		// Unlinking an inode whose key was already punctured is a no-op
		// since the sector has already lost its old ciphertext.
		return res, encoded, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("[keytable] puncture: %w", err)
	}
	res.PPRFIndex = idx
	return res, encoded, nil
}

// Unlink is PrepareUnlink plus the destination write, for callers that
// don't stage the sector through a journal.
func (t *Table) Unlink(inode uint64) (*UnlinkResult, error) {
	res, encoded, err := t.PrepareUnlink(inode)
	if err != nil {
		return nil, err
	}
	if err := t.dev.WriteSector(res.SectorIdx, encoded); err != nil {
		return nil, err
	}
	return res, nil
}

// SectorCount is the size, in sectors, of the key-table region.
func (t *Table) SectorCount() uint64 { return t.sectorN }

// State returns the live PPRF state backing the table's wrapping keys.
func (t *Table) State() *pprf.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pprfState
}

// Rewrap implements volume/rotation's PPRF_ROT/PPRF_INIT: every key-table
// sector is read, decrypted under whichever PPRF state (the current one,
// or newState for a sector a previously-interrupted rotation already
// migrated) still yields valid magic bytes, assigned a fresh sequential
// tag, and rewrapped under newState. Sectors not yet migrated are read
// through oldDev — the device carrying the pre-rotation outer envelope;
// nil means the table's own device. Already-migrated sectors are re-read
// through the table's own device, whose envelope keys are the new
// epoch's. ignoreMagic selects PPRF_INIT's semantics: magic bytes are not
// checked, only reset. On success newState replaces the
// Table's PPRF state and TagCounter is reset to the number of sectors
// migrated.
func (t *Table) Rewrap(oldDev blockio.Device, newState *pprf.State, ignoreMagic bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if oldDev == nil {
		oldDev = t.dev
	}

	var counter uint64
	for i := uint64(0); i < t.sectorN; i++ {
		sectorIdx := t.start + i

		sector, err := t.tryDecodeForRotation(oldDev, sectorIdx, t.pprfState, t.depth, ignoreMagic)
		if err != nil && !ignoreMagic {
			sector, err = t.tryDecodeForRotation(t.dev, sectorIdx, newState, newState.Depth, false)
		}
		if err != nil {
			return fmt.Errorf("[keytable] rotate sector %d: %w", sectorIdx, err)
		}

		counter++
		sector.Tag = counter
		wrapKey, ok, err := WrappingKey(newState, counter, newState.Depth)
		if err != nil {
			return err
		}
		if !ok {
			return verrors.AlreadyPunctured
		}
		encoded, err := sector.Encode(wrapKey, sectorIV(t.ivGenKey, counter))
		if err != nil {
			return err
		}
		if err := t.dev.WriteSector(sectorIdx, encoded); err != nil {
			return err
		}
	}

	t.pprfState = newState
	t.TagCounter = counter
	return nil
}

// Init populates every key-table sector with freshly randomized entries
// under state, for use once from volume.Create/rotation.Controller.Initialize
// (PPRF_INIT's live path). Unlike Rewrap, Init never reads
// existing disk content — every sector is built from scratch via NewSector.
func (t *Table) Init(state *pprf.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := uint64(0); i < t.sectorN; i++ {
		tag := i + 1
		sector, err := NewSector(tag)
		if err != nil {
			return err
		}
		wrapKey, ok, err := WrappingKey(state, tag, state.Depth)
		if err != nil {
			return err
		}
		if !ok {
			return verrors.AlreadyPunctured
		}
		encoded, err := sector.Encode(wrapKey, sectorIV(t.ivGenKey, tag))
		if err != nil {
			return err
		}
		if err := t.dev.WriteSector(t.start+i, encoded); err != nil {
			return err
		}
	}

	t.pprfState = state
	t.TagCounter = t.sectorN
	return nil
}

// tryDecodeForRotation reads one sector through dev and decrypts it under
// state's wrap key for the tag in its clear prefix. With ignoreMagic, a
// magic mismatch is tolerated and the sector's magic fields are reset
// rather than treated as an error.
func (t *Table) tryDecodeForRotation(dev blockio.Device, sectorIdx uint64, state *pprf.State, depth uint8, ignoreMagic bool) (*Sector, error) {
	raw, err := dev.ReadSector(sectorIdx)
	if err != nil {
		return nil, err
	}
	tagRaw := readTag(raw)
	wrapKey, ok, err := WrappingKey(state, tagRaw, depth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.AlreadyPunctured
	}
	sector, err := Decode(raw, wrapKey, sectorIV(t.ivGenKey, tagRaw))
	if err == ErrStaleSector && ignoreMagic {
		sector.Magic1, sector.Magic2 = Magic1, Magic2
		return sector, nil
	}
	return sector, err
}
