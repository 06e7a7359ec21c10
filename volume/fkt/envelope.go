package fkt

import (
	"encoding/binary"

	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/volume/blockio"
)

// EnvelopeDevice wraps a raw blockio.Device region with the outer AES-CBC
// envelope of the read path: a key-table sector is first
// decrypted under its FKT-leaf key (itself reached by unwrapping the FKT
// path from the master key) before the inner PPRF-wrapped sector produced
// by volume/keytable is ever visible. Refilling the Tree this envelope
// reads from (rotation's step 4) instantly and irrecoverably shreds every
// sector beneath it, since the only copy of the envelope key lived in the
// Tree's in-memory entries.
type EnvelopeDevice struct {
	inner blockio.Device
	tree  *Tree
	base  uint64
}

// NewEnvelopeDevice wraps inner, whose sector addresses start at base, with
// tree's per-sector envelope keys. Callers pass the same base they give the
// underlying keytable.Table so sector-relative indices agree.
func NewEnvelopeDevice(inner blockio.Device, base uint64, tree *Tree) *EnvelopeDevice {
	return &EnvelopeDevice{inner: inner, tree: tree, base: base}
}

// envelopeIV derives a deterministic, non-secret IV from the sector index.
// Reuse across rewrites of the same sector is safe here because the
// envelope's confidentiality guarantee (unrecoverability after Refill)
// comes from the key disappearing, not from IV freshness.
func envelopeIV(sector uint64) [16]byte {
	var iv [16]byte
	binary.LittleEndian.PutUint64(iv[:8], sector)
	return iv
}

// ReadSector decrypts the outer FKT envelope and returns the inner
// PPRF-wrapped sector bytes for volume/keytable to decode.
func (d *EnvelopeDevice) ReadSector(sector uint64) ([]byte, error) {
	raw, err := d.inner.ReadSector(sector)
	if err != nil {
		return nil, err
	}
	key, err := d.tree.KeyFor(sector - d.base)
	if err != nil {
		return nil, err
	}
	cipher := blockcrypt.AESCBCDataCipher{}
	iv := envelopeIV(sector)
	return cipher.Decrypt(key[:], iv[:], raw)
}

// Seal returns the raw bytes WriteSector would hand to the backing
// device for data, without writing them — for callers that stage the
// final on-disk form in the journal before the destination write.
func (d *EnvelopeDevice) Seal(sector uint64, data []byte) ([]byte, error) {
	key, err := d.tree.KeyFor(sector - d.base)
	if err != nil {
		return nil, err
	}
	cipher := blockcrypt.AESCBCDataCipher{}
	iv := envelopeIV(sector)
	return cipher.Encrypt(key[:], iv[:], data)
}

// WriteSector encrypts data (an already PPRF-wrapped key-table sector)
// under the outer FKT envelope before handing it to the backing device.
func (d *EnvelopeDevice) WriteSector(sector uint64, data []byte) error {
	ct, err := d.Seal(sector, data)
	if err != nil {
		return err
	}
	return d.inner.WriteSector(sector, ct)
}

// Sync flushes the backing device.
func (d *EnvelopeDevice) Sync() error { return d.inner.Sync() }

// Close closes the backing device.
func (d *EnvelopeDevice) Close() error { return d.inner.Close() }
