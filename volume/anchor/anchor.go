// Package anchor defines the root-of-trust slot store (C6): a small
// key/value surface kept off the main device. volume keeps the raw
// 32-byte master key in one slot; volume.Create writes it and every
// master-key rotation overwrites it.
package anchor

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/coniks-sys/vaultfs/volume/verrors"
)

// SlotSize is the fixed width of one anchor slot.
const SlotSize = 64

// ErrUnknownSlot is returned by ReadSlot for an undefined slot name.
var ErrUnknownSlot = errors.New("[anchor] unknown slot")

// Anchor is the root-of-trust surface: a small set
// of named, fixed-size slots, each independently readable and writable.
// Production deployments back this with a separate device or a remote
// service; FileAnchor below is the reference implementation and test double.
type Anchor interface {
	DefineSlot(name string) error
	ReadSlot(name string) ([SlotSize]byte, error)
	WriteSlot(name string, data [SlotSize]byte) error
}

// FileAnchor stores every slot as a fixed-width record in one file with
// permissions restricted to the owner, matching the posture of the
// master-key material it typically holds.
type FileAnchor struct {
	mu     sync.Mutex
	path   string
	order  []string
	offset map[string]int64
}

// OpenFileAnchor opens or creates the anchor file at path.
func OpenFileAnchor(path string) (*FileAnchor, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, verrors.NewDeviceError(0, err)
	}
	defer f.Close()

	a := &FileAnchor{path: path, offset: make(map[string]int64)}
	if err := a.loadIndex(f); err != nil {
		return nil, err
	}
	return a, nil
}

// indexEntryLen is the width of one (name, slot-index) directory entry: a
// 32-byte zero-padded name plus its slot number.
const indexEntryLen = 32 + 4

func (a *FileAnchor) loadIndex(f *os.File) error {
	buf := make([]byte, indexEntryLen)
	for i := 0; ; i++ {
		if _, err := f.ReadAt(buf, int64(i)*indexEntryLen); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		name := trimZero(buf[:32])
		if name == "" {
			break
		}
		idx := binary.LittleEndian.Uint32(buf[32:36])
		a.order = append(a.order, name)
		a.offset[name] = int64(idx)
	}
	return nil
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (a *FileAnchor) dataOffset(idx int64) int64 {
	// The directory grows in indexEntryLen-sized records; data starts
	// after a fixed directory region sized for up to 64 slots.
	const maxSlots = 64
	return int64(maxSlots*indexEntryLen) + idx*SlotSize
}

// DefineSlot registers name if it doesn't already exist.
func (a *FileAnchor) DefineSlot(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.offset[name]; ok {
		return nil
	}
	idx := int64(len(a.order))
	a.order = append(a.order, name)
	a.offset[name] = idx

	f, err := os.OpenFile(a.path, os.O_RDWR, 0600)
	if err != nil {
		return verrors.NewDeviceError(0, err)
	}
	defer f.Close()

	entry := make([]byte, indexEntryLen)
	copy(entry, name)
	binary.LittleEndian.PutUint32(entry[32:36], uint32(idx))
	if _, err := f.WriteAt(entry, idx*indexEntryLen); err != nil {
		return verrors.NewDeviceError(0, err)
	}
	return nil
}

// ReadSlot returns name's current contents, or the zero value if never
// written.
func (a *FileAnchor) ReadSlot(name string) ([SlotSize]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out [SlotSize]byte
	idx, ok := a.offset[name]
	if !ok {
		return out, ErrUnknownSlot
	}
	f, err := os.OpenFile(a.path, os.O_RDONLY, 0600)
	if err != nil {
		return out, verrors.NewDeviceError(0, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(out[:], a.dataOffset(idx)); err != nil && err != io.EOF {
		return out, verrors.NewDeviceError(0, err)
	}
	return out, nil
}

// WriteSlot overwrites name's contents.
func (a *FileAnchor) WriteSlot(name string, data [SlotSize]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.offset[name]
	if !ok {
		return ErrUnknownSlot
	}
	f, err := os.OpenFile(a.path, os.O_RDWR, 0600)
	if err != nil {
		return verrors.NewDeviceError(0, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data[:], a.dataOffset(idx)); err != nil {
		return verrors.NewDeviceError(0, err)
	}
	return f.Sync()
}
