// Package blockcrypt implements the block-cipher primitives the volume
// key hierarchy wraps itself in: AES-ECB wrapping for subkeys aligned on
// 32-byte boundaries, and a default AES-CBC DataCipher used in tests
// where production callers would plug in the real data-sector cipher.
package blockcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// SubkeyLen is the wrapping boundary width: two AES blocks.
const SubkeyLen = 32

// ErrBadSubkeyLength is returned when a buffer isn't a multiple of SubkeyLen.
var ErrBadSubkeyLength = errors.New("[blockcrypt] buffer is not a multiple of 32 bytes")

// WrapECB encrypts plaintext (a whole number of 32-byte subkeys) under key
// using AES in ECB mode, one cipher block at a time. FKT sectors use this
// to wrap the level beneath them; ECB is appropriate here only because
// every wrapped value is itself uniformly random key material, never
// attacker-influenced plaintext.
func WrapECB(key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%SubkeyLen != 0 {
		return nil, ErrBadSubkeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("[blockcrypt] aes: %w", err)
	}
	out := make([]byte, len(plaintext))
	for off := 0; off < len(plaintext); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], plaintext[off:off+aes.BlockSize])
	}
	return out, nil
}

// UnwrapECB is WrapECB's inverse.
func UnwrapECB(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%SubkeyLen != 0 {
		return nil, ErrBadSubkeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("[blockcrypt] aes: %w", err)
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		block.Decrypt(out[off:off+aes.BlockSize], ciphertext[off:off+aes.BlockSize])
	}
	return out, nil
}

// SectorIV derives a deterministic per-sector IV from a tag and the
// volume's IV-generation key, so file-key sector re-encryption under a new
// tag never reuses an IV.
func SectorIV(ivKey [16]byte, tag uint64) [aes.BlockSize]byte {
	var in [aes.BlockSize]byte
	for i := 0; i < 8; i++ {
		in[i] = byte(tag >> (8 * uint(i)))
	}
	block, err := aes.NewCipher(ivKey[:])
	if err != nil {
		// ivKey is always exactly 16 bytes; aes.NewCipher cannot fail here.
		panic(err)
	}
	var out [aes.BlockSize]byte
	block.Encrypt(out[:], in[:])
	return out
}

// DataCipher is the narrow seam this repository exposes for the
// data-sector cipher, which lives outside this repository. Production
// callers plug in their own authenticated cipher; AESCBCDataCipher below is
// a stdlib-backed default used by tests and, as volume.DefaultDataCipher,
// by every Volume whose caller does not call SetDataCipher.
type DataCipher interface {
	Encrypt(key, iv, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, ciphertext []byte) ([]byte, error)
}

// AESCBCDataCipher implements DataCipher with plain AES-CBC. It is not an
// authenticated cipher; it exists purely so the read/write path has a
// concrete, runnable default — production deployments are expected to
// supply an authenticated DataCipher of their own.
type AESCBCDataCipher struct{}

// Encrypt CBC-encrypts plaintext, which must already be a multiple of the
// AES block size (the volume's sector size is, by construction).
func (AESCBCDataCipher) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("[blockcrypt] plaintext is not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("[blockcrypt] aes: %w", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// Decrypt is Encrypt's inverse.
func (AESCBCDataCipher) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("[blockcrypt] ciphertext is not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("[blockcrypt] aes: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// RandomKey returns fresh cryptographically random key material of length n.
func RandomKey(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("[blockcrypt] rand: %w", err)
	}
	return buf, nil
}
