package asyncsocket

import (
	"net"
	"sort"
	"sync"

	"github.com/Workiva/go-datastructures/set"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the largest payload a UDPSocket sends or receives.
const MaxDatagramSize = 1500

// Errors returned by UDP operations.
var (
	// ErrDatagramTooLarge is returned when a payload exceeds MaxDatagramSize.
	ErrDatagramTooLarge = errors.New("datagram too large")
	// ErrInvalidGroup is returned for addresses that are not IPv4 multicast groups.
	ErrInvalidGroup = errors.New("invalid multicast group")
)

// UDPSocket is a datagram handler. It sends to arbitrary destinations and can
// join IPv4 multicast groups.
type UDPSocket struct {
	ctrl     *Controller
	callback UDPCallback
	logger   Logger
	metrics  *metrics
	opts     udpOptions
	addr     *net.UDPAddr

	readBuf []byte
	queue   *sendQueue
	groups  *set.Set

	mu     sync.Mutex
	fd     int
	closed bool
}

// ListenUDP binds a datagram socket on port, registers it with ctrl and
// calls cb.OnStarted.
func ListenUDP(ctrl *Controller, port int, cb UDPCallback, opt ...UDPOption) (*UDPSocket, error) {
	if ctrl == nil {
		return nil, ErrNilController
	}
	if cb == nil {
		return nil, ErrInvalidCallback
	}

	opts := defaultUDPOptions()
	for _, o := range opt {
		o(&opts)
	}
	checkUDPOptions(&opts)

	fd, err := udpSocket(port, opts)
	if err != nil {
		return nil, err
	}

	s := &UDPSocket{
		ctrl:     ctrl,
		callback: cb,
		logger:   withAttrs(opts.logger, "component", "udp"),
		metrics:  ctrl.metrics,
		opts:     opts,
		readBuf:  make([]byte, MaxDatagramSize),
		queue:    newSendQueue(),
		groups:   set.New(),
		fd:       fd,
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		s.addr = sockaddrToUDPAddr(sa)
	}

	if err := ctrl.Add(s); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	s.logger.Info("udp socket started", "addr", s.addr)
	s.notify("started", func() { s.callback.OnStarted(s) })
	return s, nil
}

func udpSocket(port int, opts udpOptions) (int, error) {
	sa, _, err := resolve("udp", opts.bindAddr, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)

	fail := func(err error, what string) (int, error) {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, what)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err, "set SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return fail(err, "set SO_BROADCAST")
	}

	if opts.multicast {
		// Not every platform supports SO_REUSEPORT.
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

		if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(opts.ttl)); err != nil {
			return fail(err, "set IP_MULTICAST_TTL")
		}
		var loop byte
		if opts.loopback {
			loop = 1
		}
		if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
			return fail(err, "set IP_MULTICAST_LOOP")
		}
		if ip4 := opts.iface.To4(); ip4 != nil {
			var addr [4]byte
			copy(addr[:], ip4)
			if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, addr); err != nil {
				return fail(err, "set IP_MULTICAST_IF")
			}
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return fail(err, "bind")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(err, "set nonblock")
	}
	return fd, nil
}

// Addr returns the bound address.
func (s *UDPSocket) Addr() *net.UDPAddr {
	return s.addr
}

// Port returns the bound port.
func (s *UDPSocket) Port() int {
	if s.addr == nil {
		return 0
	}
	return s.addr.Port
}

// Fd returns the descriptor, or -1 once closed.
func (s *UDPSocket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.fd
}

// Readable is true while the socket is open.
func (s *UDPSocket) Readable() bool {
	return !s.IsClosed()
}

// Writable reports whether datagrams are waiting.
func (s *UDPSocket) Writable() bool {
	return !s.IsClosed() && s.queue.len() > 0
}

// HandleRead receives one datagram.
func (s *UDPSocket) HandleRead() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	n, from, err := unix.Recvfrom(s.fd, s.readBuf, 0)
	s.mu.Unlock()

	if err != nil {
		if !isTemporary(err) {
			s.logger.Warn("udp receive error", "addr", s.addr, "error", err)
		}
		return
	}
	if n <= 0 {
		return
	}

	data := make([]byte, n)
	copy(data, s.readBuf[:n])
	s.metrics.datagramsReceived.Inc()
	s.notify("received", func() { s.callback.OnReceived(s, sockaddrToUDPAddr(from), data) })
}

// HandleWrite sends the head datagram.
func (s *UDPSocket) HandleWrite() {
	item := s.queue.peek()
	if item == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	err := unix.Sendto(s.fd, item.data, 0, item.to)
	s.mu.Unlock()

	if err != nil && isTemporary(err) {
		return
	}
	s.queue.pop()

	status := StatusSuccess
	if err != nil {
		status = StatusSocketError
		s.metrics.sendFailures.Inc()
		s.logger.Warn("udp send error", "addr", s.addr, "error", err)
	} else {
		s.metrics.datagramsSent.Inc()
	}
	s.notify("sent", func() { s.callback.OnSent(s, status, item.payload) })
	item.release()
}

// HandleError closes the socket.
func (s *UDPSocket) HandleError(err error) {
	s.logger.Error("udp socket error", "addr", s.addr, "error", err)
	_ = s.Close()
}

// Send queues a copy of payload for host:port. Payloads above MaxDatagramSize
// are rejected.
func (s *UDPSocket) Send(host string, port int, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return errors.Wrapf(ErrDatagramTooLarge, "%d bytes", len(payload))
	}
	if s.IsClosed() {
		return ErrConnectionClosed
	}

	to, _, err := resolve("udp", host, port)
	if err != nil {
		return err
	}

	s.queue.push(newDatagramItem(payload, to))
	return nil
}

// Join starts receiving datagrams sent to group. Joining a group twice is a no-op.
func (s *UDPSocket) Join(group string) error {
	mreq, err := s.membership(group)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	if s.groups.Exists(group) {
		s.mu.Unlock()
		return nil
	}
	if err := unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "join %s", group)
	}
	s.groups.Add(group)
	s.mu.Unlock()

	s.logger.Debug("joined multicast group", "group", group)
	s.notify("join", func() { s.callback.OnJoin(s, group) })
	return nil
}

// Leave stops receiving datagrams for group. Unknown groups are ignored.
func (s *UDPSocket) Leave(group string) error {
	mreq, err := s.membership(group)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || !s.groups.Exists(group) {
		s.mu.Unlock()
		return nil
	}
	err = unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
	s.groups.Remove(group)
	s.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "leave %s", group)
	}
	s.logger.Debug("left multicast group", "group", group)
	s.notify("leave", func() { s.callback.OnLeave(s, group) })
	return nil
}

// Groups returns the joined multicast groups, sorted.
func (s *UDPSocket) Groups() []string {
	items := s.groups.Flatten()
	out := make([]string, 0, len(items))
	for _, g := range items {
		out = append(out, g.(string))
	}
	sort.Strings(out)
	return out
}

func (s *UDPSocket) membership(group string) (*unix.IPMreq, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, errors.Wrap(ErrInvalidGroup, group)
	}

	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], ip)
	if iface := s.opts.iface.To4(); iface != nil {
		copy(mreq.Interface[:], iface)
	}
	return mreq, nil
}

// Close leaves every group, closes the socket and calls OnStopped.
// Safe to call multiple times.
func (s *UDPSocket) Close() error {
	for _, group := range s.Groups() {
		if err := s.Leave(group); err != nil {
			s.logger.Warn("leave on close failed", "group", group, "error", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.fd = -1
	s.mu.Unlock()

	var err error
	if cerr := unix.Close(fd); cerr != nil {
		err = errors.Wrap(cerr, "close")
	}
	s.queue.drain()
	s.ctrl.Discard(s)

	s.logger.Info("udp socket stopped", "addr", s.addr)
	s.notify("stopped", func() { s.callback.OnStopped(s) })
	return err
}

// IsClosed returns true once Close has been called.
func (s *UDPSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *UDPSocket) notify(what string, fn func()) {
	s.ctrl.safely(s, what, fn)
}
