package asyncsocket

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// sendItem is one pending outbound frame or datagram.
type sendItem struct {
	buf     *bytebufferpool.ByteBuffer // pooled backing store
	data    []byte                     // bytes put on the wire
	payload []byte                     // bytes reported to OnSent
	offset  int                        // bytes of data already written
	to      unix.Sockaddr              // datagram destination
}

func (it *sendItem) remaining() []byte {
	return it.data[it.offset:]
}

// release returns the frame buffer to the pool. Only the reactor goroutine
// calls it, after the item has left the queue.
func (it *sendItem) release() {
	if it.buf != nil {
		bytebufferpool.Put(it.buf)
		it.buf = nil
		it.data = nil
	}
}

// newFrameItem builds a framed send item: header followed by a copy of payload.
func newFrameItem(payload []byte) (*sendItem, error) {
	buf := bytebufferpool.Get()
	b, err := appendPreamble(buf.B[:0], len(payload))
	if err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	buf.B = append(b, payload...)

	return &sendItem{buf: buf, data: buf.B, payload: payload}, nil
}

// newDatagramItem builds a datagram send item holding a copy of payload.
func newDatagramItem(payload []byte, to unix.Sockaddr) *sendItem {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B[:0], payload...)
	return &sendItem{buf: buf, data: buf.B, payload: payload, to: to}
}

// sendQueue is a FIFO of pending items. Producers push from any goroutine;
// only the reactor goroutine peeks and pops.
type sendQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newSendQueue() *sendQueue {
	return &sendQueue{q: queue.New()}
}

func (s *sendQueue) push(item *sendItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.Add(item)
}

// peek returns the head item without removing it, or nil.
func (s *sendQueue) peek() *sendItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() == 0 {
		return nil
	}
	return s.q.Peek().(*sendItem)
}

// pop removes the head item.
func (s *sendQueue) pop() *sendItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() == 0 {
		return nil
	}
	return s.q.Remove().(*sendItem)
}

func (s *sendQueue) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

// drain empties the queue and returns what was pending.
func (s *sendQueue) drain() []*sendItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*sendItem, 0, s.q.Length())
	for s.q.Length() > 0 {
		items = append(items, s.q.Remove().(*sendItem))
	}
	return items
}
