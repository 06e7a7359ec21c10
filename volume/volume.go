// Package volume ties every region (header, journal, PPRF state, key
// table behind the FKT envelope, map cache, rotation controller, anchor)
// into one handle per open volume.
package volume

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coniks-sys/vaultfs/config"
	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/crypto/digest"
	"github.com/coniks-sys/vaultfs/crypto/pprf"
	"github.com/coniks-sys/vaultfs/vaultlog"
	"github.com/coniks-sys/vaultfs/volume/anchor"
	"github.com/coniks-sys/vaultfs/volume/blockio"
	"github.com/coniks-sys/vaultfs/volume/cache"
	"github.com/coniks-sys/vaultfs/volume/fkt"
	"github.com/coniks-sys/vaultfs/volume/header"
	"github.com/coniks-sys/vaultfs/volume/journal"
	"github.com/coniks-sys/vaultfs/volume/keytable"
	"github.com/coniks-sys/vaultfs/volume/rotation"
	"github.com/coniks-sys/vaultfs/volume/verrors"
)

// pprfDepth is the fixed GGM tree depth every volume this repository
// creates uses; a single fixed value keeps the create command to
// `create <device> <nvram_slot>` with no extra depth flag.
const pprfDepth uint8 = 32

// DataCipher is the data-sector cipher plug point: the read/write path
// calls through this interface instead of implementing a cipher itself.
// AESCBCDataCipher is a runnable stdlib-backed default; production
// deployments supply their own authenticated cipher.
type DataCipher = blockcrypt.DataCipher

// DefaultDataCipher is the AES-CBC DataCipher used when a caller doesn't
// configure one.
var DefaultDataCipher DataCipher = blockcrypt.AESCBCDataCipher{}

// VolumeStats counts the volume's evaluate, puncture, and refresh
// operations over its open lifetime.
type VolumeStats struct {
	Evaluate uint64
	Puncture uint64
	Refresh  uint64
}

// Volume is one open vaultfs volume.
type Volume struct {
	dev    blockio.Device
	ktDev  *fkt.EnvelopeDevice
	sb     header.Superblock
	jrnl   *journal.Journal
	tree   *fkt.Tree
	table  *keytable.Table
	ctl    *rotation.Controller
	cache  *cache.Cache
	anc    anchor.Anchor
	cipher DataCipher
	log    *vaultlog.Logger

	stats VolumeStats

	jobs   sync.WaitGroup
	closed int32
}

func masterSlotName(nvramSlot uint32) string {
	return fmt.Sprintf("vaultfs-master-%d", nvramSlot)
}

// Create formats a new device-backed volume: lays out the superblock,
// derives the password-wrap key, generates and anchors the master key,
// then performs the one-time PPRF_INIT that populates the key table.
// ownerPassword is not passed to anc (the Anchor interface takes no
// credential) and is scrubbed once the master key is anchored;
// userPassword unlocks the volume on every subsequent Open.
func Create(path string, nvramSlot uint32, sizeBytes uint64, ownerPassword, userPassword []byte, anc anchor.Anchor, conf *config.Config) (*Volume, error) {
	if conf == nil {
		conf = config.Default()
	}
	log := vaultlog.New(conf.Logger)

	capacity := rotation.SizeArena(conf.RefreshInterval, pprfDepth)
	sb := header.Geometry(sizeBytes, pprfDepth, capacity, 0)
	sb.NVRAMSlot = nvramSlot

	dev, err := blockio.CreateFile(path, sb.DataStart+sb.DataLen)
	if err != nil {
		return nil, err
	}

	salt, err := digest.NewSalt()
	if err != nil {
		dev.Close()
		return nil, err
	}
	wrapKey := digest.DeriveKey(userPassword, salt, 0, 32)
	copy(sb.PasswordSalt[:], salt)
	copy(sb.KeyDigest[:], digest.Digest(wrapKey, salt))

	master, err := blockcrypt.RandomKey(32)
	if err != nil {
		dev.Close()
		return nil, err
	}

	slotName := masterSlotName(nvramSlot)
	if err := anc.DefineSlot(slotName); err != nil {
		dev.Close()
		return nil, verrors.AnchorUnavailable
	}
	var slot [anchor.SlotSize]byte
	copy(slot[:], master)
	if err := anc.WriteSlot(slotName, slot); err != nil {
		dev.Close()
		return nil, verrors.AnchorUnavailable
	}
	// ownerPassword is never passed to anc, which takes no credential;
	// it is still scrubbed like any other secret.
	zeroBytes(ownerPassword)

	ivGenKey, err := blockcrypt.RandomKey(16)
	if err != nil {
		dev.Close()
		return nil, err
	}
	wrappedIVKey, err := blockcrypt.AESCBCDataCipher{}.Encrypt(master, make([]byte, 16), ivGenKey)
	if err != nil {
		dev.Close()
		return nil, err
	}
	copy(sb.IVGenKey[:], wrappedIVKey)
	sb.InUse = 1

	if err := dev.WriteSector(0, sb.Encode()); err != nil {
		dev.Close()
		return nil, err
	}

	jrnl, err := journal.New(dev, sb.JournalStart, sb.JournalLen)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := jrnl.Clear(); err != nil {
		dev.Close()
		return nil, err
	}

	tree, err := fkt.New(sb.KeyTableLen)
	if err != nil {
		dev.Close()
		return nil, err
	}
	ktDev := fkt.NewEnvelopeDevice(dev, sb.KeyTableStart, tree)

	// A rotation record (fresh PPRF root plus the whole FKT) must always
	// fit in the journal; reject layouts where it can't before any key
	// material lands on disk.
	if epochBytes := int(sb.FKTLen+2) * header.SectorSize; epochBytes > jrnl.Capacity() {
		dev.Close()
		return nil, fmt.Errorf("[volume] device too large: rotation record (%d bytes) exceeds journal capacity (%d bytes)", epochBytes, jrnl.Capacity())
	}

	state, err := pprf.New(pprfDepth, pprfIV(ivGenKey), randomSeed())
	if err != nil {
		dev.Close()
		return nil, err
	}
	state.Capacity = sb.PPRFCapacity
	var ivGen [16]byte
	copy(ivGen[:], ivGenKey)
	table := keytable.New(ktDev, sb.KeyTableStart, sb.KeyTableLen, ivGen, pprfDepth, state)

	ctl := rotation.New(rotation.Config{
		Table:           table,
		Tree:            tree,
		Journal:         jrnl,
		Anchor:          anc,
		Dev:             dev,
		FKTStart:        sb.FKTStart,
		MasterSlot:      slotName,
		MasterKey:       master,
		Depth:           pprfDepth,
		IV:              pprfIV(ivGenKey),
		RefreshInterval: conf.RefreshInterval,
		Logger:          log,
		EnvelopeFor: func(tr *fkt.Tree) blockio.Device {
			return fkt.NewEnvelopeDevice(dev, sb.KeyTableStart, tr)
		},
		PersistState: func(s *pprf.State) error {
			return persistPPRFState(dev, sb.PPRFArenaStart, sb.PPRFArenaLen, s)
		},
	})
	if err := ctl.Initialize(state); err != nil {
		dev.Close()
		return nil, err
	}

	v := newVolume(dev, ktDev, sb, jrnl, tree, table, ctl, anc, conf, log)
	return v, nil
}

// Open mounts an existing volume: verifies userPassword, recovers the
// master key from anc, replays any pending journal record, and resumes
// normal operation.
func Open(path string, userPassword []byte, anc anchor.Anchor, conf *config.Config) (*Volume, error) {
	if conf == nil {
		conf = config.Default()
	}
	log := vaultlog.New(conf.Logger)

	dev, err := blockio.OpenFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := dev.ReadSector(0)
	if err != nil {
		dev.Close()
		return nil, err
	}
	sbp, err := header.Decode(raw)
	if err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}
	sb := *sbp

	wrapKey := digest.DeriveKey(userPassword, sb.PasswordSalt[:], 0, 32)
	if !bytesEqual(digest.Digest(wrapKey, sb.PasswordSalt[:]), sb.KeyDigest[:]) {
		dev.Close()
		return nil, verrors.WrongPassword
	}

	slotName := masterSlotName(sb.NVRAMSlot)
	slot, err := anc.ReadSlot(slotName)
	if err != nil {
		dev.Close()
		return nil, verrors.AnchorUnavailable
	}
	master := append([]byte(nil), slot[:32]...)

	ivGenKey, err := blockcrypt.AESCBCDataCipher{}.Decrypt(master, make([]byte, 16), sb.IVGenKey[:])
	if err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}

	jrnl, err := journal.New(dev, sb.JournalStart, sb.JournalLen)
	if err != nil {
		dev.Close()
		return nil, err
	}

	// Raw-write records (PPRF_PUNCT, GENERIC) are replayed before the key
	// hierarchy is loaded, so the load below observes the recovered
	// sectors rather than the half-written ones.
	rec, err := jrnl.Read()
	if err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}
	if rec.Type == journal.Generic || rec.Type == journal.PPRFPunct {
		if err := replayRawRecord(dev, jrnl, rec); err != nil {
			dev.Close()
			return nil, verrors.CorruptHeader
		}
		rec = journal.Record{Type: journal.None}
	}

	tree, err := fkt.Load(dev, sb.FKTStart, sb.KeyTableLen, master)
	if err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}
	ktDev := fkt.NewEnvelopeDevice(dev, sb.KeyTableStart, tree)

	state, err := loadPPRFState(dev, sb.PPRFArenaStart, sb.PPRFArenaLen)
	if err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}
	state.Capacity = sb.PPRFCapacity

	var ivGen [16]byte
	copy(ivGen[:], ivGenKey)
	table := keytable.New(ktDev, sb.KeyTableStart, sb.KeyTableLen, ivGen, sb.PPRFDepth, state)

	ctl := rotation.New(rotation.Config{
		Table:           table,
		Tree:            tree,
		Journal:         jrnl,
		Anchor:          anc,
		Dev:             dev,
		FKTStart:        sb.FKTStart,
		MasterSlot:      slotName,
		MasterKey:       master,
		Depth:           sb.PPRFDepth,
		IV:              pprfIV(ivGenKey),
		RefreshInterval: conf.RefreshInterval,
		Logger:          log,
		EnvelopeFor: func(tr *fkt.Tree) blockio.Device {
			return fkt.NewEnvelopeDevice(dev, sb.KeyTableStart, tr)
		},
		PersistState: func(s *pprf.State) error {
			return persistPPRFState(dev, sb.PPRFArenaStart, sb.PPRFArenaLen, s)
		},
	})

	if err := replayRotationRecord(ctl, rec); err != nil {
		dev.Close()
		return nil, verrors.CorruptHeader
	}

	// Every allocated tag stays in its key-table sector until a higher one
	// replaces it, so the largest stored tag is where allocation resumes.
	for i := uint64(0); i < sb.KeyTableLen; i++ {
		raw, err := ktDev.ReadSector(sb.KeyTableStart + i)
		if err != nil {
			dev.Close()
			return nil, err
		}
		if tag := binary.LittleEndian.Uint64(raw[:8]); tag > table.TagCounter {
			table.TagCounter = tag
		}
	}

	sb.InUse = 1
	if err := dev.WriteSector(0, sb.Encode()); err != nil {
		dev.Close()
		return nil, err
	}

	v := newVolume(dev, ktDev, sb, jrnl, tree, table, ctl, anc, conf, log)
	return v, nil
}

func newVolume(dev blockio.Device, ktDev *fkt.EnvelopeDevice, sb header.Superblock, jrnl *journal.Journal, tree *fkt.Tree, table *keytable.Table, ctl *rotation.Controller, anc anchor.Anchor, conf *config.Config, log *vaultlog.Logger) *Volume {
	v := &Volume{
		dev:    dev,
		ktDev:  ktDev,
		sb:     sb,
		jrnl:   jrnl,
		tree:   tree,
		table:  table,
		ctl:    ctl,
		anc:    anc,
		cipher: DefaultDataCipher,
		log:    log,
	}
	evictSeconds := conf.CacheEvictSeconds
	if evictSeconds == 0 {
		evictSeconds = 300
	}
	v.cache = cache.New(conf.MapCacheBuckets, time.Duration(evictSeconds)*time.Second, v.flushCacheEntry)
	v.cache.Start()
	return v
}

func (v *Volume) flushCacheEntry(inode uint64, e *cache.Entry) error {
	// Cached entries mirror what is already durable in the key table
	// (Lookup/Rekey/Unlink write through immediately); the cache's Dirty
	// flag exists for callers layered on top of Volume that batch writes
	// before calling Rekey, which this repository's read/write path
	// doesn't yet do. Nothing to flush today.
	return nil
}

// SetDataCipher overrides the data-sector cipher used by future read/write
// path calls; the default is AES-CBC.
func (v *Volume) SetDataCipher(c DataCipher) { v.cipher = c }

// Lookup returns inode's current key and IV, serving from the map cache
// when resident.
func (v *Volume) Lookup(inode uint64) (key, iv [16]byte, err error) {
	v.beginJob()
	defer v.endJob()

	if e, ok := v.cache.Get(inode); ok {
		return e.Key, e.IV, nil
	}
	key, iv, err = v.table.Lookup(inode)
	if err != nil {
		return key, iv, err
	}
	v.cache.Put(inode, key, iv)
	atomic.AddUint64(&v.stats.Evaluate, 1)
	return key, iv, nil
}

// ReadData reads and decrypts one data-region sector owned by inode,
// using the inode's file key and the configured DataCipher.
func (v *Volume) ReadData(inode, sector uint64) ([]byte, error) {
	v.beginJob()
	defer v.endJob()

	if sector >= v.sb.DataLen {
		return nil, verrors.NewDeviceError(v.sb.DataStart+sector, fmt.Errorf("data sector out of range"))
	}
	key, iv, err := v.Lookup(inode)
	if err != nil {
		return nil, err
	}
	raw, err := v.dev.ReadSector(v.sb.DataStart + sector)
	if err != nil {
		return nil, err
	}
	return v.cipher.Decrypt(key[:], iv[:], raw)
}

// WriteData encrypts data under inode's file key and writes it to one
// data-region sector.
func (v *Volume) WriteData(inode, sector uint64, data []byte) error {
	v.beginJob()
	defer v.endJob()

	if sector >= v.sb.DataLen {
		return verrors.NewDeviceError(v.sb.DataStart+sector, fmt.Errorf("data sector out of range"))
	}
	key, iv, err := v.Lookup(inode)
	if err != nil {
		return err
	}
	ct, err := v.cipher.Encrypt(key[:], iv[:], data)
	if err != nil {
		return err
	}
	return v.dev.WriteSector(v.sb.DataStart+sector, ct)
}

// Rekey replaces inode's key material without changing its PPRF tag.
func (v *Volume) Rekey(inode uint64) error {
	v.beginJob()
	defer v.endJob()

	if err := v.table.Rekey(inode); err != nil {
		return err
	}
	v.cache.Evict(inode)
	return nil
}

// Unlink implements the unlink path end to end: rekey, retag,
// puncture the old tag — all in memory first, then staged as a single
// PPRF_PUNCT journal record (the rewritten key sector plus the changed
// arena blocks) before the destination writes, so the two tag-dependent
// steps land atomically across a crash. A forced rotation retries once
// if the arena has no room left; the puncture is then noted against the
// refresh-interval policy.
func (v *Volume) Unlink(inode uint64) error {
	v.beginJob()
	defer v.endJob()

	before, err := encodePPRFRegion(v.table.State(), v.sb.PPRFArenaLen)
	if err != nil {
		return err
	}
	res, encoded, err := v.table.PrepareUnlink(inode)
	if err == verrors.ArenaExhausted {
		if err := v.ctl.Rotate(v.table.State()); err != nil {
			return err
		}
		atomic.AddUint64(&v.stats.Refresh, 1)
		before, err = encodePPRFRegion(v.table.State(), v.sb.PPRFArenaLen)
		if err != nil {
			return err
		}
		res, encoded, err = v.table.PrepareUnlink(inode)
	}
	if err != nil {
		return err
	}

	sealed, err := v.ktDev.Seal(res.SectorIdx, encoded)
	if err != nil {
		return err
	}
	after, err := encodePPRFRegion(v.table.State(), v.sb.PPRFArenaLen)
	if err != nil {
		return err
	}

	entries := []journal.GenericEntry{{Sector: res.SectorIdx, Data: sealed}}
	entries = append(entries, diffRegionSectors(v.sb.PPRFArenaStart, before, after)...)
	if err := v.jrnl.Write(journal.Record{Type: journal.PPRFPunct, Payload: journal.EncodeGeneric(entries)}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := v.dev.WriteSector(e.Sector, e.Data); err != nil {
			return err
		}
	}
	if err := v.jrnl.Clear(); err != nil {
		return err
	}

	v.cache.Evict(inode)
	atomic.AddUint64(&v.stats.Puncture, 1)

	if err := v.ctl.NotePuncture(v.table.State()); err != nil {
		return err
	}
	return nil
}

// Stats returns a snapshot of the volume's usage counters.
func (v *Volume) Stats() VolumeStats {
	return VolumeStats{
		Evaluate: atomic.LoadUint64(&v.stats.Evaluate),
		Puncture: atomic.LoadUint64(&v.stats.Puncture),
		Refresh:  atomic.LoadUint64(&v.stats.Refresh),
	}
}

// Close drains in-flight operations, persists the PPRF arena, marks the
// header not-in-use, scrubs the master key, and releases the backing
// device. Close is idempotent.
func (v *Volume) Close() error {
	if !atomic.CompareAndSwapInt32(&v.closed, 0, 1) {
		return nil
	}
	v.jobs.Wait()
	v.cache.Stop()

	st := v.Stats()
	v.log.Info("volume closing", "evaluate", st.Evaluate, "puncture", st.Puncture, "refresh", st.Refresh)

	if err := persistPPRFState(v.dev, v.sb.PPRFArenaStart, v.sb.PPRFArenaLen, v.table.State()); err != nil {
		return err
	}
	v.sb.InUse = 0
	if err := v.dev.WriteSector(0, v.sb.Encode()); err != nil {
		return err
	}

	v.ctl.Close()
	return v.dev.Close()
}

func (v *Volume) beginJob() { v.jobs.Add(1) }
func (v *Volume) endJob()   { v.jobs.Done() }

// replayRawRecord applies a PPRF_PUNCT or GENERIC record: write each
// staged sector to its destination address, then clear. Idempotent — a
// crash mid-replay just replays again.
func replayRawRecord(dev blockio.Device, jrnl *journal.Journal, rec journal.Record) error {
	entries, err := journal.DecodeGeneric(jrnl.ControlSector(), rec.Payload)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := dev.WriteSector(e.Sector, e.Data); err != nil {
			return err
		}
	}
	return jrnl.Clear()
}

// replayRotationRecord dispatches a rotation-family control record to the
// controller, per the journal's recovery-action table.
func replayRotationRecord(ctl *rotation.Controller, rec journal.Record) error {
	switch rec.Type {
	case journal.None:
		return nil
	case journal.PPRFRot:
		_, err := ctl.ReplayPPRFRot(rec.Payload, false)
		return err
	case journal.PPRFInit:
		_, err := ctl.ReplayPPRFRot(rec.Payload, true)
		return err
	case journal.MasterRot:
		return ctl.ReplayMasterRot(rec.Payload)
	default:
		return fmt.Errorf("[volume] unknown journal record type %d", rec.Type)
	}
}

const pprfStateLenPrefix = 8

// encodePPRFRegion renders state as the full arena region image: an
// 8-byte length prefix, the marshaled state, zero padding to `length`
// whole sectors.
func encodePPRFRegion(state *pprf.State, length uint64) ([]byte, error) {
	data, err := state.MarshalBinary()
	if err != nil {
		return nil, err
	}
	capacity := length * header.SectorSize
	if uint64(pprfStateLenPrefix+len(data)) > capacity {
		return nil, fmt.Errorf("[volume] pprf state (%d bytes) exceeds arena capacity (%d bytes)", len(data), capacity)
	}
	buf := make([]byte, capacity)
	binary.LittleEndian.PutUint64(buf[:pprfStateLenPrefix], uint64(len(data)))
	copy(buf[pprfStateLenPrefix:], data)
	return buf, nil
}

// diffRegionSectors returns one GenericEntry per sector of the region
// image that changed between before and after — the precise write set a
// puncture's journal record stages.
func diffRegionSectors(start uint64, before, after []byte) []journal.GenericEntry {
	var out []journal.GenericEntry
	for off := 0; off < len(after); off += header.SectorSize {
		end := off + header.SectorSize
		if bytesEqual(before[off:end], after[off:end]) {
			continue
		}
		data := make([]byte, header.SectorSize)
		copy(data, after[off:end])
		out = append(out, journal.GenericEntry{Sector: start + uint64(off/header.SectorSize), Data: data})
	}
	return out
}

func persistPPRFState(dev blockio.Device, start, length uint64, state *pprf.State) error {
	buf, err := encodePPRFRegion(state, length)
	if err != nil {
		return err
	}
	for i := uint64(0); i < length; i++ {
		off := i * header.SectorSize
		if err := dev.WriteSector(start+i, buf[off:off+header.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

func loadPPRFState(dev blockio.Device, start, length uint64) (*pprf.State, error) {
	buf := make([]byte, 0, length*header.SectorSize)
	for i := uint64(0); i < length; i++ {
		sector, err := dev.ReadSector(start + i)
		if err != nil {
			return nil, err
		}
		buf = append(buf, sector...)
	}
	if len(buf) < pprfStateLenPrefix {
		return nil, fmt.Errorf("[volume] truncated pprf arena")
	}
	n := binary.LittleEndian.Uint64(buf[:pprfStateLenPrefix])
	if uint64(len(buf)) < pprfStateLenPrefix+n {
		return nil, fmt.Errorf("[volume] corrupt pprf arena length")
	}
	return pprf.UnmarshalBinary(buf[pprfStateLenPrefix : pprfStateLenPrefix+n])
}

func pprfIV(ivGenKey []byte) [16]byte {
	var iv [16]byte
	copy(iv[:], digest.Digest(ivGenKey)[:16])
	return iv
}

func randomSeed() [16]byte {
	var seed [16]byte
	k, err := blockcrypt.RandomKey(16)
	if err == nil {
		copy(seed[:], k)
	}
	return seed
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
