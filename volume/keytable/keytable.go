// Package keytable implements the per-inode file-key sectors (C2):
// lookup, rekey, and unlink, each keyed by an inode number and protected
// by a PPRF-derived wrapping key that changes on every unlink.
package keytable

import (
	"crypto/aes"
	"encoding/binary"
	"errors"

	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/crypto/pprf"
	"github.com/coniks-sys/vaultfs/volume/header"
)

// Magic1 and Magic2 (HP_MAGIC1/HP_MAGIC2) are the fixed sentinels
// written into every sector at creation and checked after every unwrap.
const (
	Magic1 uint64 = 0xbffb8ee808b32e40
	Magic2 uint64 = 0xec993fbb3ce4623a
)

// ErrStaleSector is returned by Decode when the decrypted magic bytes
// don't match, signaling a sector not yet rewrapped after a PPRF rotation.
var ErrStaleSector = errors.New("[keytable] stale sector: magic bytes mismatch")

// N is the number of FileKey entries that fit in one sector.
const N = header.KeySectorEntries

// FileKey is one inode's encryption key and IV.
type FileKey struct {
	Key [16]byte
	IV  [16]byte
}

// Sector is one on-disk file-key sector: C clear-text Tag/Magic1 prefix
// and an AES-CBC encrypted body carrying Magic2, Padding, and Entries.
type Sector struct {
	Tag     uint64
	Magic1  uint64
	Magic2  uint64
	Padding uint64
	Entries [N]FileKey
}

// NewSector creates a freshly keyed sector for tag, with N random entries.
func NewSector(tag uint64) (*Sector, error) {
	s := &Sector{Tag: tag, Magic1: Magic1, Magic2: Magic2}
	for i := range s.Entries {
		k, err := blockcrypt.RandomKey(16)
		if err != nil {
			return nil, err
		}
		iv, err := blockcrypt.RandomKey(16)
		if err != nil {
			return nil, err
		}
		copy(s.Entries[i].Key[:], k)
		copy(s.Entries[i].IV[:], iv)
	}
	return s, nil
}

// Encode serializes and encrypts the sector under wrapKey (the evaluated
// PPRF output for s.Tag). The first AES block (Tag || Magic1) is left in
// the clear so a reader can locate the wrapping tag before decrypting.
func (s *Sector) Encode(wrapKey [16]byte, iv [aes.BlockSize]byte) ([]byte, error) {
	plain := make([]byte, header.SectorSize-aes.BlockSize)
	binary.LittleEndian.PutUint64(plain[0:8], s.Magic2)
	binary.LittleEndian.PutUint64(plain[8:16], s.Padding)
	off := 16
	for _, e := range s.Entries {
		copy(plain[off:off+16], e.Key[:])
		copy(plain[off+16:off+32], e.IV[:])
		off += 32
	}

	cipher := blockcrypt.AESCBCDataCipher{}
	ct, err := cipher.Encrypt(wrapKey[:], iv[:], plain)
	if err != nil {
		return nil, err
	}

	out := make([]byte, header.SectorSize)
	binary.LittleEndian.PutUint64(out[0:8], s.Tag)
	binary.LittleEndian.PutUint64(out[8:16], s.Magic1)
	copy(out[16:], ct)
	return out, nil
}

// Decode decrypts a sector under wrapKey and validates its magic bytes.
// The returned Tag/Magic1 come from the unencrypted prefix regardless of
// whether decryption succeeds, so callers can always identify which tag a
// sector claims to belong to.
func Decode(data []byte, wrapKey [16]byte, iv [aes.BlockSize]byte) (*Sector, error) {
	if len(data) != header.SectorSize {
		return nil, errors.New("[keytable] sector has wrong length")
	}
	s := &Sector{
		Tag:    binary.LittleEndian.Uint64(data[0:8]),
		Magic1: binary.LittleEndian.Uint64(data[8:16]),
	}

	cipher := blockcrypt.AESCBCDataCipher{}
	plain, err := cipher.Decrypt(wrapKey[:], iv[:], data[16:])
	if err != nil {
		return s, err
	}
	s.Magic2 = binary.LittleEndian.Uint64(plain[0:8])
	s.Padding = binary.LittleEndian.Uint64(plain[8:16])
	off := 16
	for i := range s.Entries {
		copy(s.Entries[i].Key[:], plain[off:off+16])
		copy(s.Entries[i].IV[:], plain[off+16:off+32])
		off += 32
	}

	if s.Magic1 != Magic1 || s.Magic2 != Magic2 {
		return s, ErrStaleSector
	}
	return s, nil
}

// WrappingKey evaluates the PPRF at tag to get a sector's wrapping key,
// reporting ok=false if tag has been punctured.
func WrappingKey(state *pprf.State, tag uint64, depth uint8) (key [16]byte, ok bool, err error) {
	return state.Evaluate(pprf.TagFromCounter(tag, depth))
}
