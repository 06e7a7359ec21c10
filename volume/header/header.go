// Package header defines the volume superblock: the fixed, immutable
// region layout, computed once at create time and read back unchanged on
// every subsequent open.
package header

import (
	"encoding/binary"
	"errors"
)

// SectorSize is the fixed on-disk sector width, in bytes.
const SectorSize = 4096

// Magic identifies a vaultfs header; written at offset 0 of sector 0.
var Magic = [8]byte{'V', 'A', 'U', 'L', 'T', 'F', 'S', '1'}

// ErrBadMagic is returned by Decode when the magic bytes don't match.
var ErrBadMagic = errors.New("[header] bad magic bytes")

// ErrTruncated is returned by Decode when the buffer is shorter than one sector.
var ErrTruncated = errors.New("[header] truncated header sector")

// Superblock is the immutable-after-create on-disk header. All region
// offsets and lengths are counted in SectorSize units. Region order on
// disk is fixed: header, journal, key_table, fkt, pprf_arena, data.
type Superblock struct {
	// EncryptedSectorKey is encoded and decoded with the header, but
	// volume.Create leaves it zero and nothing reads it.
	EncryptedSectorKey [32]byte
	// KeyDigest and PasswordSalt authenticate the user password without
	// storing it: KeyDigest = digest.Digest(derivedKey, PasswordSalt).
	KeyDigest    [32]byte
	PasswordSalt [16]byte
	// NVRAMSlot is the root-of-trust anchor slot index holding the master key.
	NVRAMSlot uint32
	// IVGenKey is the IV-generation key, itself encrypted under the master key.
	IVGenKey [16]byte

	JournalStart, JournalLen     uint64
	KeyTableStart, KeyTableLen   uint64
	FKTStart, FKTLen             uint64
	PPRFArenaStart, PPRFArenaLen uint64
	DataStart, DataLen           uint64

	FKTTopWidth    uint32
	FKTBottomWidth uint32
	PPRFCapacity   uint32
	PPRFDepth      uint8

	// InUse is set to 1 while the volume is open and cleared by Close.
	// Open sets it without checking it, so a second concurrent mount is
	// not refused.
	InUse uint8
}

// BytesPerInodeRatio is the heuristic used to size the key table from
// device size: device_bytes / bytes_per_inode_ratio.
const BytesPerInodeRatio = 1 << 16 // 64 KiB per inode, a conservative default

// KeySectorEntries is the number of per-file keys that fit in a sector
// after its 32-byte header, at a 32-byte (key+iv) entry width.
const KeySectorEntries = (SectorSize - 32) / 32

// FKTEntriesPerSector is how many wrapped subkeys fit in one FKT sector
// at the 32-byte SubkeyLen wrapping boundary.
const FKTEntriesPerSector = SectorSize / 32

// Geometry computes a Superblock's region layout from the device size and
// a PPRF depth/capacity chosen by the caller (see rotation.SizeArena).
// journalSectors defaults to the journal's cap of 64 blocks.
func Geometry(deviceBytes uint64, pprfDepth uint8, pprfCapacity uint32, journalSectors uint64) Superblock {
	if journalSectors == 0 || journalSectors > 64 {
		journalSectors = 64
	}
	inodeCount := deviceBytes / BytesPerInodeRatio
	if inodeCount == 0 {
		inodeCount = 1
	}
	keyTableSectors := (inodeCount + KeySectorEntries - 1) / KeySectorEntries

	bottomWidth := (keyTableSectors + FKTEntriesPerSector - 1) / FKTEntriesPerSector
	if bottomWidth == 0 {
		bottomWidth = 1
	}
	topWidth := (bottomWidth + FKTEntriesPerSector - 1) / FKTEntriesPerSector
	if topWidth == 0 {
		topWidth = 1
	}
	fktSectors := topWidth + bottomWidth

	// The arena region stores 24-byte Keynodes packed sequentially behind
	// a short state header, so capacity keynodes plus slack round up to
	// whole sectors.
	pprfSectors := (uint64(pprfCapacity)*24 + 64 + SectorSize - 1) / SectorSize
	if pprfSectors == 0 {
		pprfSectors = 1
	}

	sb := Superblock{
		JournalStart: 1,
		JournalLen:   journalSectors,
	}
	sb.KeyTableStart = sb.JournalStart + sb.JournalLen
	sb.KeyTableLen = keyTableSectors
	sb.FKTStart = sb.KeyTableStart + sb.KeyTableLen
	sb.FKTLen = fktSectors
	sb.PPRFArenaStart = sb.FKTStart + sb.FKTLen
	sb.PPRFArenaLen = pprfSectors
	sb.DataStart = sb.PPRFArenaStart + sb.PPRFArenaLen
	if sb.DataStart < deviceBytes/SectorSize {
		sb.DataLen = deviceBytes/SectorSize - sb.DataStart
	}

	sb.FKTTopWidth = uint32(topWidth)
	sb.FKTBottomWidth = uint32(bottomWidth)
	sb.PPRFCapacity = pprfCapacity
	sb.PPRFDepth = pprfDepth
	return sb
}

// Encode packs sb into a zero-padded SectorSize buffer, little-endian.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, SectorSize)
	off := 0
	put := func(b []byte) { off += copy(buf[off:], b) }
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}

	put(Magic[:])
	put(sb.EncryptedSectorKey[:])
	put(sb.KeyDigest[:])
	put(sb.PasswordSalt[:])
	putU32(sb.NVRAMSlot)
	put(sb.IVGenKey[:])
	putU64(sb.JournalStart)
	putU64(sb.JournalLen)
	putU64(sb.KeyTableStart)
	putU64(sb.KeyTableLen)
	putU64(sb.FKTStart)
	putU64(sb.FKTLen)
	putU64(sb.PPRFArenaStart)
	putU64(sb.PPRFArenaLen)
	putU64(sb.DataStart)
	putU64(sb.DataLen)
	putU32(sb.FKTTopWidth)
	putU32(sb.FKTBottomWidth)
	putU32(sb.PPRFCapacity)
	buf[off] = sb.PPRFDepth
	off++
	buf[off] = sb.InUse
	off++
	return buf
}

// Decode parses a SectorSize buffer produced by Encode.
func Decode(buf []byte) (*Superblock, error) {
	if len(buf) < SectorSize {
		return nil, ErrTruncated
	}
	var magic [8]byte
	copy(magic[:], buf[:8])
	if magic != Magic {
		return nil, ErrBadMagic
	}

	sb := &Superblock{}
	off := 8
	get := func(n int) []byte {
		b := buf[off : off+n]
		off += n
		return b
	}
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v
	}

	copy(sb.EncryptedSectorKey[:], get(32))
	copy(sb.KeyDigest[:], get(32))
	copy(sb.PasswordSalt[:], get(16))
	sb.NVRAMSlot = getU32()
	copy(sb.IVGenKey[:], get(16))
	sb.JournalStart = getU64()
	sb.JournalLen = getU64()
	sb.KeyTableStart = getU64()
	sb.KeyTableLen = getU64()
	sb.FKTStart = getU64()
	sb.FKTLen = getU64()
	sb.PPRFArenaStart = getU64()
	sb.PPRFArenaLen = getU64()
	sb.DataStart = getU64()
	sb.DataLen = getU64()
	sb.FKTTopWidth = getU32()
	sb.FKTBottomWidth = getU32()
	sb.PPRFCapacity = getU32()
	sb.PPRFDepth = buf[off]
	off++
	sb.InUse = buf[off]
	off++
	return sb, nil
}
