// Package blockio is the narrow sector-addressed device I/O seam every
// higher-level region (journal, key table, FKT, pprf arena) reads and
// writes through. It models the kernel block-I/O workqueues and bioset
// plumbing handled elsewhere, exposing only whole-sector
// Read/Write so callers never reason about partial sectors.
package blockio

import (
	"fmt"
	"os"

	"github.com/coniks-sys/vaultfs/volume/header"
	"github.com/coniks-sys/vaultfs/volume/verrors"
)

// Device is a sector-addressed backing store. Implementations must make
// WriteSector durable before returning, preserving the journal
// commit-happens-before-destination-write ordering guarantee.
type Device interface {
	ReadSector(sector uint64) ([]byte, error)
	WriteSector(sector uint64, data []byte) error
	Sync() error
	Close() error
}

// FileDevice implements Device over a regular file or block special file,
// the concrete backing store `vaultfs create`/`open` use.
type FileDevice struct {
	f *os.File
}

// OpenFile opens path for sector I/O. The file is opened with O_RDWR;
// callers needing O_CREATE should create it first (see CreateFile).
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, verrors.NewDeviceError(0, fmt.Errorf("open %s: %w", path, err))
	}
	return &FileDevice{f: f}, nil
}

// CreateFile opens path for sector I/O, creating it when absent, and
// grows a regular backing file to the given size in sectors. Block
// special files are opened as-is. For use by `vaultfs create`.
func CreateFile(path string, sectors uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, verrors.NewDeviceError(0, fmt.Errorf("create %s: %w", path, err))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, verrors.NewDeviceError(0, err)
	}
	want := int64(sectors * header.SectorSize)
	if fi.Mode().IsRegular() && fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, verrors.NewDeviceError(0, fmt.Errorf("truncate %s: %w", path, err))
		}
	}
	return &FileDevice{f: f}, nil
}

// ReadSector reads exactly one SectorSize-byte sector.
func (d *FileDevice) ReadSector(sector uint64) ([]byte, error) {
	buf := make([]byte, header.SectorSize)
	if _, err := d.f.ReadAt(buf, int64(sector*header.SectorSize)); err != nil {
		return nil, verrors.NewDeviceError(sector, err)
	}
	return buf, nil
}

// WriteSector writes exactly one SectorSize-byte sector and fsyncs it.
func (d *FileDevice) WriteSector(sector uint64, data []byte) error {
	if len(data) != header.SectorSize {
		return verrors.NewDeviceError(sector, fmt.Errorf("write of %d bytes, want %d", len(data), header.SectorSize))
	}
	if _, err := d.f.WriteAt(data, int64(sector*header.SectorSize)); err != nil {
		return verrors.NewDeviceError(sector, err)
	}
	return d.Sync()
}

// Sync flushes pending writes to stable storage.
func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return verrors.NewDeviceError(0, err)
	}
	return nil
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
