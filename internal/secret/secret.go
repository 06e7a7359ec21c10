// Package secret implements a scoped secret buffer: any buffer that has
// ever held plaintext key material is zeroed on every exit path, success
// or failure, via Go's defer.
package secret

// Buffer is a fixed-size holder for plaintext key material. Callers
// should defer Zero immediately after acquiring one:
//
//	buf := secret.New(derivedKey)
//	defer buf.Zero()
type Buffer struct {
	b []byte
}

// New wraps b in a Buffer. The caller gives up ownership of b's backing
// array to the Buffer.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Bytes returns the live contents. The returned slice aliases the
// Buffer's storage and becomes invalid after Zero.
func (s *Buffer) Bytes() []byte {
	return s.b
}

// Zero overwrites every byte with 0. Safe to call more than once.
func (s *Buffer) Zero() {
	for i := range s.b {
		s.b[i] = 0
	}
}
