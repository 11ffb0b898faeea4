package asyncsocket

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCallback is returned when no callback object is provided.
	ErrInvalidCallback = errors.New("invalid callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is the framing engine shared by Client and Socket. It owns the
// socket descriptor, the receive state machine and the send queue.
//
// Reads and writes happen on the reactor goroutine. Send and Close may be
// called from any goroutine.
type Conn struct {
	ctrl     *Controller
	handler  Handler    // the Client or Socket wrapping this Conn
	conn     Connection // the same value, as handed to callbacks
	callback SocketCallback
	logger   Logger
	metrics  *metrics
	opts     options

	// reactor goroutine only
	framer  *framer
	readBuf []byte

	queue *sendQueue

	mu        sync.Mutex
	fd        int
	closed    bool
	connected bool
	local     net.Addr
	remote    net.Addr

	// detach runs during Close, after the controller deregistration.
	detach func()
}

func newConn(ctrl *Controller, cb SocketCallback, opts options) *Conn {
	return &Conn{
		ctrl:     ctrl,
		callback: cb,
		logger:   opts.logger,
		metrics:  ctrl.metrics,
		opts:     opts,
		framer:   newFramer(opts.maxMessageSize),
		readBuf:  make([]byte, opts.readBufferSize),
		queue:    newSendQueue(),
		fd:       -1,
	}
}

// establish binds a connected descriptor and registers with the controller.
// The caller keeps ownership of fd when an error is returned.
func (c *Conn) establish(fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.ctrl.Add(c.handler); err != nil {
		c.closed = true
		return err
	}

	c.fd = fd
	c.connected = true
	c.local = localTCPAddr(fd)
	c.remote = remoteTCPAddr(fd)
	return nil
}

// markClosed closes a connection that never got a descriptor.
func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Fd returns the socket descriptor, or -1 if not connected.
func (c *Conn) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.fd
}

// Readable reports whether the connection wants read events.
func (c *Conn) Readable() bool {
	return !c.IsClosed()
}

// Writable reports whether frames are waiting to be written.
func (c *Conn) Writable() bool {
	return !c.IsClosed() && c.queue.len() > 0
}

// HandleRead reads at most the bytes the frame state still needs and
// advances the state machine.
func (c *Conn) HandleRead() {
	want := min(c.framer.want(), len(c.readBuf))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	n, err := unix.Read(c.fd, c.readBuf[:want])
	c.mu.Unlock()

	if err != nil {
		if isTemporary(err) {
			return
		}
		c.fail(errors.Wrap(err, "read"))
		return
	}
	if n == 0 {
		c.logger.Debug("peer closed connection", "addr", c.RemoteAddr())
		_ = c.handler.Close()
		return
	}

	msg, done, discarded := c.framer.feed(c.readBuf[:n])
	if discarded > 0 {
		c.metrics.resyncDiscarded.Add(float64(discarded))
		c.logger.Debug("stream out of sync, skipping bytes", "addr", c.RemoteAddr(), "discarded", discarded)
	}
	if done {
		c.metrics.framesReceived.Inc()
		c.notify("received", func() { c.callback.OnReceived(c.conn, msg) })
	}
}

// HandleWrite writes as much of the head frame as the socket accepts. A
// partially written frame stays at the head with its offset advanced.
func (c *Conn) HandleWrite() {
	item := c.queue.peek()
	if item == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	n, err := unix.Write(c.fd, item.remaining())
	c.mu.Unlock()

	if err != nil {
		if isTemporary(err) {
			return
		}
		c.queue.pop()
		c.metrics.sendFailures.Inc()
		c.notify("sent", func() { c.callback.OnSent(c.conn, StatusSocketError, item.payload) })
		item.release()
		c.fail(errors.Wrap(err, "write"))
		return
	}

	item.offset += n
	if item.offset < len(item.data) {
		return
	}

	c.queue.pop()
	c.metrics.framesSent.Inc()
	c.notify("sent", func() { c.callback.OnSent(c.conn, StatusSuccess, item.payload) })
	item.release()
}

// HandleError closes the connection; a descriptor in error state is not recoverable.
func (c *Conn) HandleError(err error) {
	c.logger.Info("connection error", "addr", c.RemoteAddr(), "error", err)
	_ = c.handler.Close()
}

// fail applies the error policy to a socket error.
func (c *Conn) fail(err error) {
	if c.opts.onError(err) == Continue {
		c.logger.Warn("socket error ignored", "addr", c.RemoteAddr(), "error", err)
		return
	}
	c.logger.Info("connection error", "addr", c.RemoteAddr(), "error", err)
	_ = c.handler.Close()
}

// Send frames payload and queues it. It does not block; the frame is written
// by the reactor and reported through OnSent.
func (c *Conn) Send(payload []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	item, err := newFrameItem(payload)
	if err != nil {
		return err
	}
	c.queue.push(item)
	return nil
}

// Pending returns the number of frames not yet fully written.
func (c *Conn) Pending() int {
	return c.queue.len()
}

// Close closes the socket, deregisters from the controller and, for an
// established connection, reports OnDisconnect. Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fd := c.fd
	c.fd = -1
	wasConnected := c.connected
	c.mu.Unlock()

	var err error
	if fd >= 0 {
		if cerr := unix.Close(fd); cerr != nil {
			err = errors.Wrap(cerr, "close")
		}
	}
	c.queue.drain()

	c.ctrl.Discard(c.handler)
	if c.detach != nil {
		c.notify("detach", c.detach)
	}

	if wasConnected {
		c.logger.Info("connection closed", "addr", c.RemoteAddr())
		c.notify("disconnect", func() { c.callback.OnDisconnect(c.conn) })
	}
	return err
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalAddr returns the local address, or nil before the connection is established.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteAddr returns the peer address, or nil before the connection is established.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// notify runs a callback, logging a panic instead of letting it abort the
// caller's bookkeeping.
func (c *Conn) notify(what string, fn func()) {
	c.ctrl.safely(c.handler, what, fn)
}
