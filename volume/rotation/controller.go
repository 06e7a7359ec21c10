// Package rotation implements the rotation controller (C5): the refresh
// interval / arena-pressure policy and the PPRF_ROT / PPRF_INIT /
// MASTER_ROT state machine. The commit sequence is non-cancellable once
// started; the trigger is puncture-count-driven rather than a wall-clock
// epoch timer.
package rotation

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/crypto/digest"
	"github.com/coniks-sys/vaultfs/crypto/pprf"
	"github.com/coniks-sys/vaultfs/internal/secret"
	"github.com/coniks-sys/vaultfs/vaultlog"
	"github.com/coniks-sys/vaultfs/volume/anchor"
	"github.com/coniks-sys/vaultfs/volume/blockio"
	"github.com/coniks-sys/vaultfs/volume/fkt"
	"github.com/coniks-sys/vaultfs/volume/journal"
	"github.com/coniks-sys/vaultfs/volume/keytable"
	"github.com/coniks-sys/vaultfs/volume/verrors"
)

// Controller drives PPRF rotation and the master-key rotation it chains
// into. One Controller is owned by a volume.Volume for its open lifetime.
type Controller struct {
	table    *keytable.Table
	tree     *fkt.Tree
	jrnl     *journal.Journal
	anc      anchor.Anchor
	log      *vaultlog.Logger
	dev      blockio.Device
	fktStart uint64

	masterSlot string
	master     *secret.Buffer // current 32-byte master key, scrubbed on every swap

	envelopeFor  func(*fkt.Tree) blockio.Device
	persistState func(*pprf.State) error

	depth           uint8
	iv              [16]byte
	refreshInterval uint32
	sincePuncture   uint32
}

// Config collects a Controller's fixed, volume-lifetime dependencies.
type Config struct {
	Table           *keytable.Table
	Tree            *fkt.Tree
	Journal         *journal.Journal
	Anchor          anchor.Anchor
	Dev             blockio.Device // backing device holding the FKT region
	FKTStart        uint64         // first sector of the FKT region on Dev
	MasterSlot      string
	MasterKey       []byte // 32 bytes, ownership transferred to the Controller
	Depth           uint8
	IV              [16]byte
	RefreshInterval uint32
	Logger          *vaultlog.Logger

	// EnvelopeFor builds a device view of the key-table region whose outer
	// envelope keys come from the given tree; rotation reads not-yet-
	// migrated sectors through the pre-rotation tree's view. Nil means the
	// key table carries no outer envelope (bare-table tests).
	EnvelopeFor func(*fkt.Tree) blockio.Device
	// PersistState writes the PPRF arena region back to disk; called with
	// the incoming state before a rotation's journal record is cleared.
	// Nil skips persistence.
	PersistState func(*pprf.State) error
}

// New builds a Controller from conf.
func New(conf Config) *Controller {
	logger := conf.Logger
	if logger == nil {
		logger = vaultlog.New(&vaultlog.Config{Environment: "production"})
	}
	return &Controller{
		table:           conf.Table,
		tree:            conf.Tree,
		jrnl:            conf.Journal,
		anc:             conf.Anchor,
		dev:             conf.Dev,
		fktStart:        conf.FKTStart,
		envelopeFor:     conf.EnvelopeFor,
		persistState:    conf.PersistState,
		log:             logger,
		masterSlot:      conf.MasterSlot,
		master:          secret.New(conf.MasterKey),
		depth:           conf.Depth,
		iv:              conf.IV,
		refreshInterval: conf.RefreshInterval,
	}
}

// MasterKey returns the current master key's bytes. The slice aliases the
// Controller's internal buffer and must not be retained past a rotation.
func (c *Controller) MasterKey() []byte { return c.master.Bytes() }

// Close scrubs the in-memory master key. Callers must not use the
// Controller afterward.
func (c *Controller) Close() { c.master.Zero() }

// Initialize performs PPRF_INIT: journal the fresh PPRF state together
// with the fresh FKT, then populate every key-table sector with
// randomized entries under them. Called once from volume.Create, before
// any inode has been assigned a key.
func (c *Controller) Initialize(state *pprf.State) error {
	if err := c.journalEpoch(journal.PPRFInit, state); err != nil {
		return err
	}
	if err := c.table.Init(state); err != nil {
		return err
	}
	if err := c.persistFKT(); err != nil {
		return err
	}
	if err := c.persistArena(state); err != nil {
		return err
	}
	return c.jrnl.Clear()
}

// persistFKT writes the FKT region back to disk under the current master
// key, so the in-memory tree and its on-disk form never diverge past a
// journal clear.
func (c *Controller) persistFKT() error {
	if c.dev == nil {
		return nil
	}
	return c.tree.Save(c.dev, c.fktStart, c.master.Bytes())
}

func (c *Controller) persistArena(state *pprf.State) error {
	if c.persistState == nil {
		return nil
	}
	return c.persistState(state)
}

// oldEnvelope is the device view an interrupted or live rotation reads
// not-yet-migrated key-table sectors through.
func (c *Controller) oldEnvelope(oldTree *fkt.Tree) blockio.Device {
	if c.envelopeFor == nil {
		return nil
	}
	return c.envelopeFor(oldTree)
}

// NotePuncture is called by volume.Volume.Unlink after every successful
// unlink. It
// increments the puncture count and, once the refresh interval is
// reached, performs a PPRF_ROT rotation.
func (c *Controller) NotePuncture(state *pprf.State) error {
	c.sincePuncture++
	if c.refreshInterval == 0 || c.sincePuncture < c.refreshInterval {
		return nil
	}
	return c.Rotate(state)
}

// Rotate performs PPRF_ROT: generate a fresh PPRF root and a fresh FKT,
// journal both, rewrap every key-table sector under them (the refilled
// FKT shreds every sector's old outer envelope), then chain into a
// MASTER_ROT. Rotate is non-cancellable once the journal record lands.
func (c *Controller) Rotate(old *pprf.State) error {
	newState, err := pprf.New(c.depth, c.iv, freshSeed())
	if err != nil {
		return err
	}
	newState.Capacity = old.Capacity

	oldTree := c.tree.Clone()
	if err := c.tree.Refill(); err != nil {
		return err
	}
	if err := c.journalEpoch(journal.PPRFRot, newState); err != nil {
		return err
	}
	if err := c.table.Rewrap(c.oldEnvelope(oldTree), newState, false); err != nil {
		return err
	}
	if err := c.persistFKT(); err != nil {
		return err
	}
	if err := c.persistArena(newState); err != nil {
		return err
	}
	c.sincePuncture = 0
	c.log.Info("pprf rotation complete", "new_pprf_size", newState.Size)
	return c.rotateMaster()
}

// rotateMaster performs MASTER_ROT: generate a fresh master key, journal
// it (wrapped under the outgoing key, with the outgoing key's hash for
// replay-time verification, plus the FKT re-encrypted under the incoming
// key), rewrite the FKT region under the incoming key, publish it to the
// anchor, then swap it into memory and clear the journal. The FKT region
// write precedes the anchor write so that once the anchor holds the new
// key, the on-disk FKT is already readable under it.
func (c *Controller) rotateMaster() error {
	newMaster := make([]byte, 32)
	if _, err := rand.Read(newMaster); err != nil {
		return fmt.Errorf("[rotation] rand: %w", err)
	}

	payload, err := c.encodeMasterRot(newMaster)
	if err != nil {
		return err
	}
	if err := c.jrnl.Write(journal.Record{Type: journal.MasterRot, Payload: payload}); err != nil {
		return err
	}

	if c.dev != nil {
		if err := c.tree.Save(c.dev, c.fktStart, newMaster); err != nil {
			return err
		}
	}

	var slot [anchor.SlotSize]byte
	copy(slot[:], newMaster)
	if err := c.anc.WriteSlot(c.masterSlot, slot); err != nil {
		return verrors.AnchorUnavailable
	}

	c.master.Zero()
	c.master = secret.New(newMaster)
	c.log.Info("master key rotation complete")
	return c.jrnl.Clear()
}

// encodeMasterRot builds a MASTER_ROT payload: the new master wrapped
// under the old one (length-prefixed), the old key's digest, then the FKT
// encrypted under the new master so replay can restore the region without
// trusting what a half-finished rotation left on disk.
func (c *Controller) encodeMasterRot(newMaster []byte) ([]byte, error) {
	wrapped, err := encryptUnderKey(c.master.Bytes(), newMaster)
	if err != nil {
		return nil, err
	}
	treeBlob, err := c.tree.MarshalBinary()
	if err != nil {
		return nil, err
	}
	fktEnc, err := encryptUnderKey(newMaster, treeBlob)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 8+len(wrapped)+digest.HashSizeByte+len(fktEnc))
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(wrapped)))
	payload = append(payload, lenBuf[:]...)
	payload = append(payload, wrapped...)
	payload = append(payload, digest.Digest(c.master.Bytes())...)
	payload = append(payload, fktEnc...)
	return payload, nil
}

// ReplayPPRFRot handles mount-time recovery of a PPRF_ROT or PPRF_INIT
// record: unwrap the in-journal PPRF state and FKT under the current
// master key and finish rewrapping the key table under them, exactly as a
// completed Rotate/Initialize would have. The journaled FKT, not the
// half-rotated one on disk, supplies the new epoch's envelope keys;
// whatever the interrupted run already migrated decodes under it, the
// rest under the pre-rotation tree still intact in the FKT region.
// ignoreMagic selects PPRF_INIT's replay semantics.
func (c *Controller) ReplayPPRFRot(payload []byte, ignoreMagic bool) (*pprf.State, error) {
	plain, err := decryptUnderKey(c.master.Bytes(), payload)
	if err != nil {
		return nil, verrors.JournalReplayFailure
	}
	newState, treeBlob, err := decodeEpoch(plain)
	if err != nil {
		return nil, verrors.JournalReplayFailure
	}
	newState.Capacity = c.table.State().Capacity

	oldTree := c.tree.Clone()
	if err := c.tree.UnmarshalInto(treeBlob); err != nil {
		return nil, verrors.JournalReplayFailure
	}
	if ignoreMagic {
		if err := c.table.Init(newState); err != nil {
			return nil, err
		}
	} else {
		if err := c.table.Rewrap(c.oldEnvelope(oldTree), newState, false); err != nil {
			return nil, err
		}
	}
	if err := c.persistFKT(); err != nil {
		return nil, err
	}
	if err := c.persistArena(newState); err != nil {
		return nil, err
	}
	c.sincePuncture = 0
	if ignoreMagic {
		return newState, c.jrnl.Clear()
	}
	// A completed PPRF_ROT schedules MASTER_ROT; so does
	// its replay.
	return newState, c.rotateMaster()
}

// ReplayMasterRot handles mount-time recovery of a MASTER_ROT record: if
// the current master key's hash matches what was stored at journal time,
// the rotation committed past the point of no return and must be finished
// (restore the journaled FKT, rewrite its region, publish the new master,
// swap it in); otherwise the anchor write already happened — the crash
// fell between it and the journal clear — and the record is simply
// discarded, since the FKT region was rewritten under the anchored key
// before it was published.
func (c *Controller) ReplayMasterRot(payload []byte) error {
	const hashLen = digest.HashSizeByte
	if len(payload) < 8 {
		return verrors.JournalReplayFailure
	}
	wrappedLen := binary.LittleEndian.Uint64(payload[:8])
	if uint64(len(payload)) < 8+wrappedLen+hashLen {
		return verrors.JournalReplayFailure
	}
	wrapped := payload[8 : 8+wrappedLen]
	oldHash := payload[8+wrappedLen : 8+wrappedLen+hashLen]
	fktEnc := payload[8+wrappedLen+hashLen:]

	currentHash := digest.Digest(c.master.Bytes())
	if !bytesEqual(currentHash, oldHash) {
		return c.jrnl.Clear()
	}

	newMaster, err := decryptUnderKey(c.master.Bytes(), wrapped)
	if err != nil {
		return verrors.JournalReplayFailure
	}
	treeBlob, err := decryptUnderKey(newMaster, fktEnc)
	if err != nil {
		return verrors.JournalReplayFailure
	}
	if err := c.tree.UnmarshalInto(treeBlob); err != nil {
		return verrors.JournalReplayFailure
	}
	if c.dev != nil {
		if err := c.tree.Save(c.dev, c.fktStart, newMaster); err != nil {
			return err
		}
	}
	var slot [anchor.SlotSize]byte
	copy(slot[:], newMaster)
	if err := c.anc.WriteSlot(c.masterSlot, slot); err != nil {
		return verrors.AnchorUnavailable
	}
	c.master.Zero()
	c.master = secret.New(newMaster)
	return c.jrnl.Clear()
}

// journalEpoch stages a PPRF_ROT/PPRF_INIT record: the new PPRF state and
// the new FKT, framed and encrypted as one blob under the master key.
func (c *Controller) journalEpoch(typ journal.RecordType, state *pprf.State) error {
	plain, err := encodeEpoch(state, c.tree)
	if err != nil {
		return err
	}
	payload, err := encryptUnderKey(c.master.Bytes(), plain)
	if err != nil {
		return err
	}
	return c.jrnl.Write(journal.Record{Type: typ, Payload: payload})
}

func encodeEpoch(state *pprf.State, tree *fkt.Tree) ([]byte, error) {
	pprfBlob, err := state.MarshalBinary()
	if err != nil {
		return nil, err
	}
	treeBlob, err := tree.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8+len(pprfBlob)+len(treeBlob))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(pprfBlob)))
	copy(buf[8:], pprfBlob)
	copy(buf[8+len(pprfBlob):], treeBlob)
	return buf, nil
}

func decodeEpoch(plain []byte) (*pprf.State, []byte, error) {
	if len(plain) < 8 {
		return nil, nil, fmt.Errorf("[rotation] truncated epoch record")
	}
	n := binary.LittleEndian.Uint64(plain[:8])
	if uint64(len(plain)) < 8+n {
		return nil, nil, fmt.Errorf("[rotation] corrupt epoch record length")
	}
	state, err := pprf.UnmarshalBinary(plain[8 : 8+n])
	if err != nil {
		return nil, nil, err
	}
	return state, plain[8+n:], nil
}

// encryptUnderKey/decryptUnderKey wrap an arbitrary-length blob for a
// single round trip through the journal: an 8-byte little-endian length
// prefix, zero-padded to the AES block size, AES-CBC encrypted under a
// fresh random IV that is stored in front of the ciphertext. The same
// master key encrypts several records (an epoch record and the MASTER_ROT
// that follows it), so no two of them share an IV.
func encryptUnderKey(key, plain []byte) ([]byte, error) {
	buf := make([]byte, 8+len(plain))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(plain)))
	copy(buf[8:], plain)
	if pad := (16 - len(buf)%16) % 16; pad != 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("[rotation] rand: %w", err)
	}
	cipher := blockcrypt.AESCBCDataCipher{}
	ct, err := cipher.Encrypt(key, iv, buf)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

func decryptUnderKey(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, fmt.Errorf("[rotation] truncated blob")
	}
	cipher := blockcrypt.AESCBCDataCipher{}
	buf, err := cipher.Decrypt(key, ciphertext[:16], ciphertext[16:])
	if err != nil {
		return nil, err
	}
	if len(buf) < 8 {
		return nil, fmt.Errorf("[rotation] truncated blob")
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if n > uint64(len(buf)-8) {
		return nil, fmt.Errorf("[rotation] corrupt blob length")
	}
	return buf[8 : 8+n], nil
}

// holepunchKeyGrowthMult matches crypto/pprf's unexported growth factor:
// the multiplier an arena grows by each time a puncture needs more room
// than is free.
const holepunchKeyGrowthMult = 4

// SizeArena computes the pprf_capacity volume/header.Geometry needs at
// creation time so the arena never has to grow between scheduled
// rotations: R punctures between rotations, each costing up to
// growthMult*depth keynodes in the worst case.
func SizeArena(refreshInterval uint32, depth uint8) uint32 {
	return refreshInterval * holepunchKeyGrowthMult * uint32(depth)
}

func freshSeed() [16]byte {
	var seed [16]byte
	rand.Read(seed[:])
	return seed
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
