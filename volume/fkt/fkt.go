// Package fkt implements the File-Key Table (C3): a fixed two-level tree
// of wrapping keys whose sole purpose is to shrink the atomic write
// boundary during rotations. Every key-table sector's at-rest protection
// is one bottom-level FKT entry. Top-level entries are generated,
// refilled and stored alongside the bottom level, but nothing is
// encrypted under them: bottom sectors are stored under the master key,
// as top sectors are. Refilling the tree with fresh random bytes
// instantly and irrecoverably shreds every key-table sector's at-rest
// ciphertext beneath it, without touching that ciphertext on disk.
package fkt

import (
	"errors"

	"github.com/coniks-sys/vaultfs/crypto/blockcrypt"
	"github.com/coniks-sys/vaultfs/volume/header"
)

// M is the number of wrapped subkey entries that fit in one FKT sector.
const M = header.FKTEntriesPerSector

// ErrIndexOutOfRange is returned when a caller asks for a key-table
// sector index the configured widths cannot address.
var ErrIndexOutOfRange = errors.New("[fkt] key-table sector index out of range")

// Tree is the in-memory two-level wrapping key hierarchy. TopWidth top
// sectors each hold M entries, one per bottom sector; each bottom sector
// holds M entries, each one key-table sector's at-rest key. Top entries
// are not used as keys: both levels are stored under the master key.
// Invariant: TopWidth*M >= BottomWidth, BottomWidth*M >=
// key-table sector count.
type Tree struct {
	TopWidth    uint32
	BottomWidth uint32

	// top[i] is the plaintext form of top sector i's entries: top[i][j] is
	// the top-level entry paired with bottom sector (i*M+j). It is
	// randomized, refilled and saved with the tree; bottom sectors are
	// encrypted for storage under the master key, not under it.
	top [][M][32]byte
	// bottom[i] is bottom sector i's plaintext entries: bottom[i][j] is
	// key-table sector (i*M+j)'s at-rest AES key.
	bottom [][M][32]byte
}

// New builds a Tree sized for at least keyTableSectors key-table sectors,
// with every entry freshly randomized, the initial create-time state
// (no plaintext form of any wrapping key exists anywhere else).
func New(keyTableSectors uint64) (*Tree, error) {
	bottomWidth := (keyTableSectors + M - 1) / M
	if bottomWidth == 0 {
		bottomWidth = 1
	}
	topWidth := (bottomWidth + M - 1) / M
	if topWidth == 0 {
		topWidth = 1
	}
	t := &Tree{TopWidth: uint32(topWidth), BottomWidth: uint32(bottomWidth)}
	if err := t.Refill(); err != nil {
		return nil, err
	}
	return t, nil
}

// Refill replaces every entry in the tree with fresh random bytes. This is
// the rotation controller's step 4 ("Refill FKT with random bytes (which
// rewraps everything beneath)"): existing key-table ciphertext instantly
// becomes permanently unrecoverable because the keys needed to reach it
// no longer exist anywhere.
func (t *Tree) Refill() error {
	t.top = make([][M][32]byte, t.TopWidth)
	t.bottom = make([][M][32]byte, t.BottomWidth)
	for i := range t.top {
		for j := range t.top[i] {
			k, err := blockcrypt.RandomKey(32)
			if err != nil {
				return err
			}
			copy(t.top[i][j][:], k)
		}
	}
	for i := range t.bottom {
		for j := range t.bottom[i] {
			k, err := blockcrypt.RandomKey(32)
			if err != nil {
				return err
			}
			copy(t.bottom[i][j][:], k)
		}
	}
	return nil
}

func (t *Tree) bottomIndex(ktSector uint64) (bi, slot uint64) {
	return ktSector / uint64(M), ktSector % uint64(M)
}

// KeyFor returns the 16-byte at-rest AES key protecting key-table sector
// ktSector (the first half of its 32-byte bottom-level subkey entry).
func (t *Tree) KeyFor(ktSector uint64) ([16]byte, error) {
	bi, slot := t.bottomIndex(ktSector)
	if bi >= uint64(len(t.bottom)) {
		return [16]byte{}, ErrIndexOutOfRange
	}
	var key [16]byte
	copy(key[:], t.bottom[bi][slot][:16])
	return key, nil
}

// EncodeTopSector serializes top sector index i, AES-ECB wrapping each
// entry under masterKey — the FKT is "stored encrypted under the master
// key" boundary.
func (t *Tree) EncodeTopSector(i uint32, masterKey []byte) ([]byte, error) {
	return encodeEntries(t.top[i][:], masterKey)
}

// EncodeBottomSector serializes bottom sector index i the same way.
func (t *Tree) EncodeBottomSector(i uint32, masterKey []byte) ([]byte, error) {
	return encodeEntries(t.bottom[i][:], masterKey)
}

func encodeEntries(entries [][32]byte, masterKey []byte) ([]byte, error) {
	plain := make([]byte, len(entries)*32)
	for i, e := range entries {
		copy(plain[i*32:], e[:])
	}
	return blockcrypt.WrapECB(masterKey, plain)
}

// DecodeTopSector restores top sector index i from its on-disk ciphertext.
func (t *Tree) DecodeTopSector(i uint32, ciphertext []byte, masterKey []byte) error {
	plain, err := blockcrypt.UnwrapECB(masterKey, ciphertext)
	if err != nil {
		return err
	}
	for j := 0; j < M && j*32 < len(plain); j++ {
		copy(t.top[i][j][:], plain[j*32:j*32+32])
	}
	return nil
}

// DecodeBottomSector restores bottom sector index i the same way.
func (t *Tree) DecodeBottomSector(i uint32, ciphertext []byte, masterKey []byte) error {
	plain, err := blockcrypt.UnwrapECB(masterKey, ciphertext)
	if err != nil {
		return err
	}
	for j := 0; j < M && j*32 < len(plain); j++ {
		copy(t.bottom[i][j][:], plain[j*32:j*32+32])
	}
	return nil
}
