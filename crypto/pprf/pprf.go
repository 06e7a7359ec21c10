// Package pprf implements a puncturable pseudorandom function built as a
// GGM tree over an AES-CTR length-doubling generator. The tree is stored
// as a flat arena addressed by index rather than by pointer, so that the
// entire live state is a single byte-serializable slice.
package pprf

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// KeyLen is the width in bytes of every PRF output and internal node key.
const KeyLen = 16

// prgInputLen is the PRG seed width: one AES block.
const prgInputLen = KeyLen

// leaf marks a node whose key is still live; punctured marks a node whose
// subtree has been irrecoverably erased. Both overload the child-index
// field the same way the arena-index 0 overloads "the root".
const (
	leaf      uint32 = 0
	punctured uint32 = 0xFFFFFFFF
)

// MaxDepth bounds the tag space to 2^64, the width of a Tag.
const MaxDepth = 64

// ErrAlreadyPunctured is returned by Puncture when tag has no live leaf.
var ErrAlreadyPunctured = errors.New("[pprf] tag already punctured")

// ErrDepthTooLarge is returned by New for depth 0 or depth > MaxDepth.
var ErrDepthTooLarge = errors.New("[pprf] depth must be between 1 and 64")

// growthFactor is the arena growth multiplier on Grow.
const growthFactor = 4

// Keynode is one node of the GGM tree, stored with index-only children.
// Left and Right are either `leaf` (0, key is live), `punctured`
// (0xFFFFFFFF, subtree erased) or the arena index of a child node.
type Keynode struct {
	Left  uint32
	Right uint32
	Key   [KeyLen]byte
}

// encodedKeynodeLen is the on-disk width of one Keynode: 4+4+16 bytes.
const encodedKeynodeLen = 4 + 4 + KeyLen

// Tag is a PPRF input. Only the high Depth bits are meaningful; callers
// left-shift a monotonically increasing counter into that region with
// TagFromCounter.
type Tag uint64

// TagFromCounter left-shifts a small counter into the high `depth` bits of
// a Tag.
func TagFromCounter(counter uint64, depth uint8) Tag {
	return Tag(counter << (64 - uint(depth)))
}

// State is a PPRF tree: an arena of Keynodes, the count of the nodes
// currently in use, and the fixed depth/IV governing evaluation.
type State struct {
	Arena []Keynode
	Size  uint32
	// Capacity bounds how many Keynodes the arena may hold, sized from
	// the on-disk region at create time. Zero means unbounded.
	Capacity uint32
	Depth    uint8
	IV       [prgInputLen]byte
}

// New creates a PPRF with a single live leaf at index 0 holding the
// caller-supplied 128-bit seed, evaluated to `depth` levels using `iv` as the PRG nonce.
func New(depth uint8, iv [prgInputLen]byte, seed [KeyLen]byte) (*State, error) {
	if depth == 0 || depth > MaxDepth {
		return nil, ErrDepthTooLarge
	}
	s := &State{
		Arena: make([]Keynode, 1, 64),
		Size:  1,
		Depth: depth,
		IV:    iv,
	}
	s.Arena[0] = Keynode{Left: leaf, Right: leaf, Key: seed}
	return s, nil
}

// Free reports how many more Keynodes the arena may hold before Capacity
// is exhausted.
func (s *State) Free() uint32 {
	if s.Capacity == 0 {
		return ^uint32(0)
	}
	if s.Size >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Size
}

// Grow expands the arena's backing capacity by growthFactor, or to at
// least minFree free slots, whichever is larger. Callers must hold the
// writer lock across Grow and any subsequent Puncture.
func (s *State) Grow(minFree uint32) {
	cur := uint32(len(s.Arena))
	want := cur * growthFactor
	if s.Size+minFree > want {
		want = s.Size + minFree
	}
	grown := make([]Keynode, len(s.Arena), want)
	copy(grown, s.Arena)
	s.Arena = grown
}

// checkBit reads tag bit `depth`, MSB-first (bit 0 is the top bit).
func checkBit(tag Tag, depth uint8) bool {
	return tag&(1<<(63-depth)) != 0
}

// prg is the length-doubling generator G: AES-CTR under key, encrypting
// a fixed 32-byte zero input with the tree's IV as counter-block nonce.
// The first half of the output is G_L, the second half G_R.
func prg(key [KeyLen]byte, iv [prgInputLen]byte) ([2 * KeyLen]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [2 * KeyLen]byte{}, fmt.Errorf("[pprf] aes: %w", err)
	}
	var out [2 * KeyLen]byte
	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(out[:], out[:])
	return out, nil
}

// findKey walks the tree from the root following tag's bits, returning the
// arena index of the deepest live node reached and the depth at which it
// lives. It returns ok=false if the walk hits a punctured subtree.
func (s *State) findKey(tag Tag) (index uint32, depth uint8, ok bool) {
	i := uint32(0)
	depth = 0
	for {
		index = i
		cur := s.Arena[i]
		var next uint32
		if checkBit(tag, depth) {
			next = cur.Right
		} else {
			next = cur.Left
		}
		if next == leaf {
			return index, depth, true
		}
		if next == punctured {
			return 0, 0, false
		}
		i = next
		depth++
		if depth >= s.Depth {
			break
		}
	}
	index = i
	cur := s.Arena[i]
	if cur.Left == punctured {
		return 0, 0, false
	}
	return index, depth, true
}

// Evaluate returns the 128-bit PRF output for tag, or ok=false if tag lies
// below a punctured subtree.
func (s *State) Evaluate(tag Tag) (out [KeyLen]byte, ok bool, err error) {
	index, depth, live := s.findKey(tag)
	if !live {
		return out, false, nil
	}
	key := s.Arena[index].Key
	for d := depth; d < s.Depth; d++ {
		expanded, err := prg(key, s.IV)
		if err != nil {
			return out, false, err
		}
		if checkBit(tag, d) {
			copy(key[:], expanded[KeyLen:])
		} else {
			copy(key[:], expanded[:KeyLen])
		}
	}
	return key, true, nil
}

// Puncture marks tag's leaf irrecoverable. It returns the arena index of
// the node that absorbed the puncture (the caller's cue for which sector
// to persist) and ErrAlreadyPunctured if tag has no live leaf.
//
// Capacity: each call may allocate up to 2*Depth new nodes; callers must
// ensure Free() >= 2*Depth before calling, growing the arena (or forcing
// a rotation) otherwise.
func (s *State) Puncture(tag Tag) (uint32, error) {
	index, depth, live := s.findKey(tag)
	if !live {
		return 0, ErrAlreadyPunctured
	}

	rootIndex := index
	key := s.Arena[index].Key
	s.Arena[index].Key = [KeyLen]byte{}
	cur := index

	for depth < s.Depth {
		expanded, err := prg(key, s.IV)
		if err != nil {
			return 0, err
		}
		offPath := uint32(len(s.Arena))
		onPath := offPath + 1
		s.Arena = append(s.Arena, Keynode{}, Keynode{})
		if checkBit(tag, depth) {
			// tag continues right; off-path sibling is the left child.
			copy(key[:], expanded[KeyLen:])
			s.Arena[offPath].Key = keyFromSlice(expanded[:KeyLen])
			s.Arena[cur].Left = offPath
			s.Arena[cur].Right = onPath
		} else {
			copy(key[:], expanded[:KeyLen])
			s.Arena[offPath].Key = keyFromSlice(expanded[KeyLen:])
			s.Arena[cur].Left = onPath
			s.Arena[cur].Right = offPath
		}
		s.Arena[offPath].Left = leaf
		s.Arena[offPath].Right = leaf
		s.Size += 2
		depth++
		cur = onPath
	}
	s.Arena[cur].Left = punctured
	s.Arena[cur].Right = punctured
	return rootIndex, nil
}

func keyFromSlice(b []byte) (k [KeyLen]byte) {
	copy(k[:], b)
	return k
}

// Label renders tag as a depth-bit bitstring, for debug tracing only —
// never called on the evaluate/puncture hot path.
func Label(tag Tag, depth uint8) string {
	if depth == 0 {
		return "\"\""
	}
	b := make([]byte, depth)
	for i := uint8(0); i < depth; i++ {
		if checkBit(tag, i) {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}

// MarshalBinary serializes the arena as index-only Keynodes, no pointers.
func (s *State) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2+prgInputLen+4+4+int(s.Size)*encodedKeynodeLen)
	buf[0] = byte(s.Depth)
	copy(buf[1:1+prgInputLen], s.IV[:])
	off := 1 + prgInputLen
	binary.LittleEndian.PutUint32(buf[off:], s.Size)
	off += 4
	for i := uint32(0); i < s.Size; i++ {
		n := s.Arena[i]
		binary.LittleEndian.PutUint32(buf[off:], n.Left)
		binary.LittleEndian.PutUint32(buf[off+4:], n.Right)
		copy(buf[off+8:off+8+KeyLen], n.Key[:])
		off += encodedKeynodeLen
	}
	return buf, nil
}

// UnmarshalBinary restores a State from the MarshalBinary wire format.
func UnmarshalBinary(data []byte) (*State, error) {
	if len(data) < 1+prgInputLen+4 {
		return nil, errors.New("[pprf] truncated state")
	}
	s := &State{Depth: uint8(data[0])}
	copy(s.IV[:], data[1:1+prgInputLen])
	off := 1 + prgInputLen
	s.Size = binary.LittleEndian.Uint32(data[off:])
	off += 4
	s.Arena = make([]Keynode, s.Size)
	for i := uint32(0); i < s.Size; i++ {
		if off+encodedKeynodeLen > len(data) {
			return nil, errors.New("[pprf] truncated arena")
		}
		var n Keynode
		n.Left = binary.LittleEndian.Uint32(data[off:])
		n.Right = binary.LittleEndian.Uint32(data[off+4:])
		copy(n.Key[:], data[off+8:off+8+KeyLen])
		s.Arena[i] = n
		off += encodedKeynodeLen
	}
	return s, nil
}
