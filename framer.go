package asyncsocket

type frameState int

const (
	stateSize frameState = iota
	stateData
)

// maxPrealloc caps how much of an announced payload is reserved up front.
const maxPrealloc = 64 * 1024

// framer reassembles length-prefixed messages from a byte stream. It is only
// touched by the reactor goroutine.
type framer struct {
	state    frameState
	buf      []byte
	required int
	maxSize  int // 0 means unlimited
}

func newFramer(maxSize int) *framer {
	f := &framer{maxSize: maxSize}
	f.reset()
	return f
}

func (f *framer) reset() {
	f.state = stateSize
	f.buf = make([]byte, 0, PreambleSize)
	f.required = PreambleSize
}

// want returns how many bytes the current state still needs.
func (f *framer) want() int {
	return f.required
}

// feed consumes p, which must not be longer than want(). It returns the
// payload when a message completes and the number of bytes dropped while
// resynchronizing.
func (f *framer) feed(p []byte) (msg []byte, done bool, discarded int) {
	f.buf = append(f.buf, p...)
	f.required -= len(p)
	if f.required > 0 {
		return nil, false, 0
	}

	if f.state == stateData {
		msg = f.buf
		f.reset()
		return msg, true, 0
	}

	length, ok := DecodeLength(f.buf)
	if ok && f.maxSize > 0 && length > f.maxSize {
		ok = false
	}
	if !ok {
		return nil, false, f.resync()
	}

	if length == 0 {
		f.reset()
		return []byte{}, true, 0
	}

	f.state = stateData
	f.required = length
	f.buf = make([]byte, 0, min(length, maxPrealloc))
	return nil, false, 0
}

// resync drops the bytes before the next candidate header and asks for
// exactly as many bytes as were dropped, so the header buffer refills to
// PreambleSize.
func (f *framer) resync() int {
	offset := Resync(f.buf)
	if offset == 0 {
		// Only reachable for an oversized length behind a valid magic.
		offset = 1
	}

	n := copy(f.buf, f.buf[offset:])
	f.buf = f.buf[:n]
	f.required = offset
	return offset
}
