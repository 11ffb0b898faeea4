package asyncsocket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewFrameItem(t *testing.T) {
	payload := []byte("hello")

	item, err := newFrameItem(payload)
	require.NoError(t, err)
	defer item.release()

	require.Len(t, item.data, PreambleSize+len(payload))
	length, ok := DecodeLength(item.data)
	require.True(t, ok)
	assert.Equal(t, len(payload), length)
	assert.Equal(t, payload, item.data[PreambleSize:])
	assert.Equal(t, payload, item.payload)
}

func TestNewDatagramItem_CopiesPayload(t *testing.T) {
	payload := []byte("datagram")
	to := &unix.SockaddrInet4{Port: 9}

	item := newDatagramItem(payload, to)
	copy(payload, "DATAGRAM")

	assert.Equal(t, []byte("datagram"), item.data)
	assert.Equal(t, []byte("datagram"), item.remaining())
	assert.Same(t, to, item.to)

	item.release()
	assert.Nil(t, item.buf)
}

func TestSendItem_Remaining(t *testing.T) {
	item, err := newFrameItem([]byte("abc"))
	require.NoError(t, err)

	item.offset = PreambleSize + 1
	assert.Equal(t, []byte("bc"), item.remaining())

	item.release()
	assert.Nil(t, item.buf)
	item.release()
}

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue()
	assert.Nil(t, q.peek())
	assert.Nil(t, q.pop())

	a := &sendItem{payload: []byte("a")}
	b := &sendItem{payload: []byte("b")}
	q.push(a)
	q.push(b)

	assert.Equal(t, 2, q.len())
	assert.Same(t, a, q.peek())
	assert.Same(t, a, q.peek(), "peek does not remove")
	assert.Same(t, a, q.pop())
	assert.Same(t, b, q.pop())
	assert.Zero(t, q.len())
}

func TestSendQueue_Drain(t *testing.T) {
	q := newSendQueue()
	for i := 0; i < 5; i++ {
		q.push(&sendItem{offset: i})
	}

	items := q.drain()
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, i, it.offset)
	}
	assert.Zero(t, q.len())
}

func TestSendQueue_ConcurrentPush(t *testing.T) {
	q := newSendQueue()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.push(&sendItem{})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, q.len())
}
