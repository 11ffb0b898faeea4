package asyncsocket

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Frame header layout.
const (
	// PreambleSize is the size of the header preceding every TCP payload.
	PreambleSize = 16
	// PreambleMagic marks the start of a valid header.
	PreambleMagic uint64 = 0x00F0F0F0F0F0F0F8

	magicSize = 8
)

// Errors returned by the preamble codec.
var (
	// ErrNegativeLength is returned when a frame is encoded with a negative length.
	ErrNegativeLength = errors.New("negative frame length")
	// ErrFrameTooLarge is returned when a payload does not fit the 4-byte length field.
	ErrFrameTooLarge = errors.New("frame too large")
)

var magicBytes = func() [magicSize]byte {
	var b [magicSize]byte
	binary.LittleEndian.PutUint64(b[:], PreambleMagic)
	return b
}()

// EncodePreamble returns the 16-byte header for a payload of the given length.
func EncodePreamble(length int) ([]byte, error) {
	return appendPreamble(make([]byte, 0, PreambleSize), length)
}

func appendPreamble(dst []byte, length int) ([]byte, error) {
	if length < 0 {
		return dst, ErrNegativeLength
	}
	if uint64(length) > math.MaxUint32 {
		return dst, errors.Wrapf(ErrFrameTooLarge, "length %d", length)
	}

	dst = append(dst, magicBytes[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(length))
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	return dst, nil
}

// DecodeLength parses a header and returns the payload length it announces.
// The reserved bytes are ignored. ok is false if the header is short or the
// magic does not match.
func DecodeLength(header []byte) (length int, ok bool) {
	if len(header) < PreambleSize {
		return 0, false
	}
	if binary.LittleEndian.Uint64(header[:magicSize]) != PreambleMagic {
		return 0, false
	}
	n := binary.LittleEndian.Uint32(header[magicSize:])
	if uint64(n) > math.MaxInt {
		// Not representable on 32-bit platforms.
		return 0, false
	}
	return int(n), true
}

// Resync scans buf for the first offset where a header may start: either the
// whole magic sequence is present there, or the buffer ends partway through a
// matching prefix, in which case more bytes are needed to decide. It returns
// len(buf) when no candidate exists and everything can be discarded.
func Resync(buf []byte) int {
	for i := range buf {
		if hasMagicAt(buf, i) {
			return i
		}
	}
	return len(buf)
}

func hasMagicAt(buf []byte, offset int) bool {
	for j := 0; j < magicSize && offset+j < len(buf); j++ {
		if buf[offset+j] != magicBytes[j] {
			return false
		}
	}
	return true
}
