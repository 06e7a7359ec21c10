// Package journal implements the write-ahead log (C4): a fixed-size
// region storing one control record at a time, so every mutation to the
// key hierarchy can be staged before its destination region is touched
// and replayed to a consistent state after a crash.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coniks-sys/vaultfs/volume/blockio"
	"github.com/coniks-sys/vaultfs/volume/header"
)

// RecordType is the control block's leading u64 discriminant.
type RecordType uint64

const (
	// None means the journal is empty; nothing to replay.
	None RecordType = iota
	// MasterRot carries a new master key encrypted under the old one,
	// plus a hash of the old key for the replay-time sanity check.
	MasterRot
	// PPRFRot carries the new PPRF root and the new FKT, encrypted together
	// under the master key; replay installs the journaled FKT, rewraps every
	// key-table sector under the new PPRF (whether it still validates under
	// the old PPRF or was already migrated), and chains into MasterRot.
	PPRFRot
	// PPRFInit is identical to PPRFRot but ignores and resets magic bytes,
	// used once at create time when no prior PPRF epoch exists.
	PPRFInit
	// PPRFPunct carries, in Generic's (sector, data) list framing, the
	// rewritten key-table sector and the PPRF arena sectors changed by a
	// single unlink. No FKT sector is included.
	PPRFPunct
	// Generic carries up to 63 destination block addresses; a destination
	// equal to the control block itself terminates the list.
	Generic
)

// MaxSectors is the journal region's hard cap.
const MaxSectors = 64

// controlHeaderLen is the fixed prefix of the control sector: an 8-byte
// RecordType plus an 8-byte payload length.
const controlHeaderLen = 16

// payloadPerSector is how much of a Record's payload fits directly in the
// control sector; the remainder spills into the following journal sectors.
const payloadPerSector = header.SectorSize - controlHeaderLen

// ErrTooManySectors is returned by New when sectors exceeds MaxSectors.
var ErrTooManySectors = errors.New("[journal] region exceeds 64 sectors")

// ErrPayloadTooLarge is returned by Write when the record doesn't fit in
// the journal's configured capacity.
var ErrPayloadTooLarge = errors.New("[journal] payload exceeds journal capacity")

// Record is one write-ahead log entry.
type Record struct {
	Type    RecordType
	Payload []byte
}

// Journal wraps a device region of `sectors` (<= MaxSectors) sectors
// starting at `start`, the first of which is always the control sector.
type Journal struct {
	dev     blockio.Device
	start   uint64
	sectors uint64
}

// New wraps dev's journal region. sectors must be between 1 and MaxSectors.
func New(dev blockio.Device, start, sectors uint64) (*Journal, error) {
	if sectors == 0 || sectors > MaxSectors {
		return nil, ErrTooManySectors
	}
	return &Journal{dev: dev, start: start, sectors: sectors}, nil
}

// capacity is the maximum payload Write can stage.
func (j *Journal) capacity() int {
	return payloadPerSector + int(j.sectors-1)*header.SectorSize
}

// Capacity reports the maximum payload size a record may carry, so
// creation-time geometry can reject layouts whose rotation records would
// never fit.
func (j *Journal) Capacity() int { return j.capacity() }

// ControlSector is the address of the journal's control block — the
// terminator value for a Generic record's destination list.
func (j *Journal) ControlSector() uint64 { return j.start }

// Write stages rec as the journal's single control record, overwriting
// whatever was there before. The caller is responsible for sequencing:
// the journal commit must happen-before the destination
// write it describes.
func (j *Journal) Write(rec Record) error {
	if len(rec.Payload) > j.capacity() {
		return ErrPayloadTooLarge
	}

	control := make([]byte, header.SectorSize)
	binary.LittleEndian.PutUint64(control[0:8], uint64(rec.Type))
	binary.LittleEndian.PutUint64(control[8:16], uint64(len(rec.Payload)))
	n := copy(control[controlHeaderLen:], rec.Payload)
	if err := j.dev.WriteSector(j.start, control); err != nil {
		return err
	}

	rest := rec.Payload[n:]
	for i := 0; len(rest) > 0; i++ {
		buf := make([]byte, header.SectorSize)
		k := copy(buf, rest)
		if err := j.dev.WriteSector(j.start+1+uint64(i), buf); err != nil {
			return err
		}
		rest = rest[k:]
	}
	return nil
}

// Read loads the current control record.
func (j *Journal) Read() (Record, error) {
	control, err := j.dev.ReadSector(j.start)
	if err != nil {
		return Record{}, err
	}
	typ := RecordType(binary.LittleEndian.Uint64(control[0:8]))
	length := binary.LittleEndian.Uint64(control[8:16])
	if length > uint64(j.capacity()) {
		return Record{}, fmt.Errorf("[journal] corrupt control record: length %d exceeds capacity", length)
	}

	payload := make([]byte, 0, length)
	payload = append(payload, control[controlHeaderLen:]...)
	for i := uint64(0); uint64(len(payload)) < length; i++ {
		buf, err := j.dev.ReadSector(j.start + 1 + i)
		if err != nil {
			return Record{}, err
		}
		payload = append(payload, buf...)
	}
	return Record{Type: typ, Payload: payload[:length]}, nil
}

// Clear writes a None record, the final step of every replay.
func (j *Journal) Clear() error {
	return j.Write(Record{Type: None})
}

// GenericEntry is one (sector, data) pair from a Generic record's payload.
type GenericEntry struct {
	Sector uint64
	Data   []byte
}

// DecodeGeneric parses a Generic record's payload into destination
// sector/data pairs, stopping at an address equal to the control block
// itself (the Generic record's own terminator convention).
func DecodeGeneric(controlSector uint64, payload []byte) ([]GenericEntry, error) {
	const entryLen = 8 + header.SectorSize
	var out []GenericEntry
	for off := 0; off+8 <= len(payload); off += entryLen {
		addr := binary.LittleEndian.Uint64(payload[off : off+8])
		if addr == controlSector {
			break
		}
		if off+entryLen > len(payload) {
			return nil, errors.New("[journal] truncated generic entry")
		}
		data := make([]byte, header.SectorSize)
		copy(data, payload[off+8:off+entryLen])
		out = append(out, GenericEntry{Sector: addr, Data: data})
	}
	return out, nil
}

// EncodeGeneric packs destination/data pairs into a Generic record payload.
func EncodeGeneric(entries []GenericEntry) []byte {
	const entryLen = 8 + header.SectorSize
	buf := make([]byte, len(entries)*entryLen)
	for i, e := range entries {
		off := i * entryLen
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Sector)
		copy(buf[off+8:off+entryLen], e.Data)
	}
	return buf
}
