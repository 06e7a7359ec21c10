// Package digest provides the hashing and password-based key derivation
// used across the volume key hierarchy: a SHAKE128 digest for key
// fingerprints and journal record hashes, and PBKDF2 for turning a user or
// owner password into key material.
package digest

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// HashSizeByte is the width of a Digest output.
const HashSizeByte = 32

// SaltSizeByte is the recommended width of a DeriveKey salt.
const SaltSizeByte = 16

// DefaultIterations is the PBKDF2 iteration count used when a caller
// doesn't supply one from the header's password-wrap parameters.
const DefaultIterations = 200000

// Digest hashes an arbitrary number of byte slices with SHAKE128,
// for key fingerprints and journal record hashes.
func Digest(ms ...[]byte) []byte {
	h := sha3.NewShake128()
	for _, m := range ms {
		h.Write(m)
	}
	ret := make([]byte, HashSizeByte)
	h.Read(ret)
	return ret
}

// DeriveKey stretches password into a keyLen-byte key using PBKDF2-HMAC-
// SHA256, for the header's password-wrap key.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// NewSalt returns a fresh random salt of SaltSizeByte bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSizeByte)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
