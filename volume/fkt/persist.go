package fkt

import (
	"encoding/binary"
	"errors"

	"github.com/coniks-sys/vaultfs/volume/blockio"
)

// ErrWidthMismatch is returned by UnmarshalInto when a serialized tree was
// built for different FKT widths than the receiver's.
var ErrWidthMismatch = errors.New("[fkt] serialized tree widths do not match")

// Save writes the tree to dev's FKT region at start: TopWidth top
// sectors followed by BottomWidth bottom sectors, every one encrypted
// under masterKey. Called after create, after every Refill, and after a
// master-key rotation swaps the wrapping key.
func (t *Tree) Save(dev blockio.Device, start uint64, masterKey []byte) error {
	for i := uint32(0); i < t.TopWidth; i++ {
		sector, err := t.EncodeTopSector(i, masterKey)
		if err != nil {
			return err
		}
		if err := dev.WriteSector(start+uint64(i), sector); err != nil {
			return err
		}
	}
	for i := uint32(0); i < t.BottomWidth; i++ {
		sector, err := t.EncodeBottomSector(i, masterKey)
		if err != nil {
			return err
		}
		if err := dev.WriteSector(start+uint64(t.TopWidth)+uint64(i), sector); err != nil {
			return err
		}
	}
	return nil
}

// LoadFrom restores t's entries from dev's FKT region at start,
// decrypting under masterKey. Widths are taken from t itself, so every
// device holding a pointer to t observes the restored keys.
func (t *Tree) LoadFrom(dev blockio.Device, start uint64, masterKey []byte) error {
	for i := uint32(0); i < t.TopWidth; i++ {
		raw, err := dev.ReadSector(start + uint64(i))
		if err != nil {
			return err
		}
		if err := t.DecodeTopSector(i, raw, masterKey); err != nil {
			return err
		}
	}
	for i := uint32(0); i < t.BottomWidth; i++ {
		raw, err := dev.ReadSector(start + uint64(t.TopWidth) + uint64(i))
		if err != nil {
			return err
		}
		if err := t.DecodeBottomSector(i, raw, masterKey); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the tree for keyTableSectors key-table sectors back from
// dev's FKT region at start, decrypting under masterKey.
func Load(dev blockio.Device, start uint64, keyTableSectors uint64, masterKey []byte) (*Tree, error) {
	t, err := New(keyTableSectors)
	if err != nil {
		return nil, err
	}
	if err := t.LoadFrom(dev, start, masterKey); err != nil {
		return nil, err
	}
	return t, nil
}

// Clone returns an independent copy of the tree, used by the rotation
// controller to keep the pre-rotation envelope keys readable while the
// live tree is refilled.
func (t *Tree) Clone() *Tree {
	c := &Tree{TopWidth: t.TopWidth, BottomWidth: t.BottomWidth}
	c.top = make([][M][32]byte, len(t.top))
	copy(c.top, t.top)
	c.bottom = make([][M][32]byte, len(t.bottom))
	copy(c.bottom, t.bottom)
	return c
}

// MarshalBinary serializes the tree's plaintext entries: both widths,
// then every top entry, then every bottom entry. Callers encrypt the
// result before it ever leaves memory (the journal wraps it under the
// master key).
func (t *Tree) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+(len(t.top)+len(t.bottom))*M*32)
	binary.LittleEndian.PutUint32(buf[0:4], t.TopWidth)
	binary.LittleEndian.PutUint32(buf[4:8], t.BottomWidth)
	off := 8
	for i := range t.top {
		for j := range t.top[i] {
			off += copy(buf[off:], t.top[i][j][:])
		}
	}
	for i := range t.bottom {
		for j := range t.bottom[i] {
			off += copy(buf[off:], t.bottom[i][j][:])
		}
	}
	return buf, nil
}

// UnmarshalInto replaces t's entries in place from MarshalBinary's wire
// format. The serialized widths must match t's.
func (t *Tree) UnmarshalInto(data []byte) error {
	if len(data) < 8 {
		return errors.New("[fkt] truncated serialized tree")
	}
	topWidth := binary.LittleEndian.Uint32(data[0:4])
	bottomWidth := binary.LittleEndian.Uint32(data[4:8])
	if topWidth != t.TopWidth || bottomWidth != t.BottomWidth {
		return ErrWidthMismatch
	}
	want := 8 + (int(topWidth)+int(bottomWidth))*M*32
	if len(data) < want {
		return errors.New("[fkt] truncated serialized tree")
	}
	off := 8
	for i := range t.top {
		for j := range t.top[i] {
			off += copy(t.top[i][j][:], data[off:off+32])
		}
	}
	for i := range t.bottom {
		for j := range t.bottom[i] {
			off += copy(t.bottom[i][j][:], data[off:off+32])
		}
	}
	return nil
}
