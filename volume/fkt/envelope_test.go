package fkt

import (
	"bytes"
	"testing"

	"github.com/coniks-sys/vaultfs/volume/header"
)

type memDevice struct {
	sectors map[uint64][]byte
}

func newMemDevice() *memDevice { return &memDevice{sectors: make(map[uint64][]byte)} }

func (m *memDevice) ReadSector(sector uint64) ([]byte, error) {
	if buf, ok := m.sectors[sector]; ok {
		return append([]byte(nil), buf...), nil
	}
	return make([]byte, header.SectorSize), nil
}

func (m *memDevice) WriteSector(sector uint64, data []byte) error {
	m.sectors[sector] = append([]byte(nil), data...)
	return nil
}

func (m *memDevice) Sync() error  { return nil }
func (m *memDevice) Close() error { return nil }

func TestEnvelopeRoundTrip(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dev := newMemDevice()
	env := NewEnvelopeDevice(dev, 100, tr)

	plain := bytes.Repeat([]byte{0x42}, header.SectorSize)
	if err := env.WriteSector(103, plain); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	raw, err := dev.ReadSector(103)
	if err != nil {
		t.Fatalf("dev.ReadSector: %v", err)
	}
	if bytes.Equal(raw, plain) {
		t.Fatalf("envelope did not change the on-disk bytes")
	}

	got, err := env.ReadSector(103)
	if err != nil {
		t.Fatalf("env.ReadSector: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEnvelopeRefillMakesPriorCiphertextUnrecoverable(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dev := newMemDevice()
	env := NewEnvelopeDevice(dev, 0, tr)

	plain := bytes.Repeat([]byte{0x7}, header.SectorSize)
	if err := env.WriteSector(3, plain); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	if err := tr.Refill(); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	got, err := env.ReadSector(3)
	if err != nil {
		t.Fatalf("ReadSector after refill: %v", err)
	}
	if bytes.Equal(got, plain) {
		t.Fatalf("sector still decrypts correctly after FKT refill")
	}
}
