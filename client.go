package asyncsocket

import (
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrDialTimeout is reported when a connection attempt exceeds its timeout.
var ErrDialTimeout = errors.New("dial timeout")

// Client is an outbound TCP connection.
type Client struct {
	*Conn

	host string
	port int
}

// Dial starts connecting to host:port and returns immediately. The outcome
// is delivered on the reactor goroutine through cb.OnNewConnection; Dial
// itself only fails on misconfiguration.
//
// Frames passed to Send before the connection completes are queued and
// written once it is established.
func Dial(ctrl *Controller, host string, port int, cb SocketCallback, opt ...Option) (*Client, error) {
	if ctrl == nil {
		return nil, ErrNilController
	}
	if cb == nil {
		return nil, ErrInvalidCallback
	}

	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := &Client{host: host, port: port}
	c.Conn = newConn(ctrl, cb, opts)
	c.Conn.handler = c
	c.Conn.conn = c
	c.Conn.logger = withAttrs(c.Conn.logger, "component", "client")

	if err := ctrl.submit(c.connect); err != nil {
		return nil, errors.Wrap(err, "schedule dial")
	}
	return c, nil
}

// Host returns the host passed to Dial.
func (c *Client) Host() string {
	return c.host
}

// Port returns the port passed to Dial.
func (c *Client) Port() int {
	return c.port
}

func (c *Client) address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// connect runs on the worker pool.
func (c *Client) connect() {
	fd, err := c.dial()

	if !c.ctrl.invoke(func() { c.complete(fd, err) }) {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		c.markClosed()
		c.logger.Warn("dial result dropped, controller stopped", "addr", c.address())
	}
}

// complete runs on the reactor goroutine.
func (c *Client) complete(fd int, err error) {
	if err == nil {
		if err = c.establish(fd); err != nil {
			_ = unix.Close(fd)
		}
	} else {
		c.markClosed()
	}

	if err != nil {
		c.logger.Warn("connection failed", "addr", c.address(), "error", err)
	} else {
		c.logger.Info("connection established", "addr", c.RemoteAddr())
	}

	c.notify("new_connection", func() { c.callback.OnNewConnection(c, err) })
}

func (c *Client) dial() (int, error) {
	sa, family, err := resolve("tcp", c.host, c.port)
	if err != nil {
		return -1, err
	}

	fd := -1
	op := func() error {
		if c.IsClosed() {
			return backoff.Permanent(ErrConnectionClosed)
		}
		var err error
		fd, err = connectSocket(family, sa, c.opts.dialTimeout, c.opts.noDelay)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("dial failed, retrying", "addr", c.address(), "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, c.opts.dialBackoff(), notify); err != nil {
		return -1, errors.Wrapf(err, "dial %s", c.address())
	}
	return fd, nil
}

// connectSocket opens a non-blocking stream socket and connects it within timeout.
func connectSocket(family int, sa unix.Sockaddr, timeout time.Duration, noDelay bool) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	if noDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "connect")
	}

	if err := waitWritable(fd, timeout); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if code != 0 {
		_ = unix.Close(fd)
		return -1, errors.Wrap(unix.Errno(code), "connect")
	}
	return fd, nil
}

func waitWritable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrDialTimeout
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(remaining/time.Millisecond)+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "poll")
		}
		if n > 0 {
			return nil
		}
	}
}
