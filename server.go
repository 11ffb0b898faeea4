package asyncsocket

import (
	"net"
	"sync"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrInvalidAcceptor is returned when a server is created without an admission policy.
var ErrInvalidAcceptor = errors.New("invalid acceptor")

// Server is a listening TCP socket. Accepted connections become Sockets
// tracked by the server until they close.
type Server struct {
	ctrl     *Controller
	callback ServerCallback
	acceptor Acceptor
	logger   Logger
	metrics  *metrics
	opts     serverOptions
	addr     net.Addr

	mu     sync.Mutex
	fd     int
	closed bool

	live cmap.ConcurrentMap[string, *Socket]
}

// Listen binds port, starts accepting through ctrl and calls cb.OnStarted.
// Accepted peers are admitted by acceptor.
func Listen(ctrl *Controller, port int, cb ServerCallback, acceptor Acceptor, opt ...ServerOption) (*Server, error) {
	if ctrl == nil {
		return nil, ErrNilController
	}
	if cb == nil {
		return nil, ErrInvalidCallback
	}
	if acceptor == nil {
		return nil, ErrInvalidAcceptor
	}

	var opts serverOptions
	for _, o := range opt {
		o(&opts)
	}
	checkServerOptions(&opts)

	fd, err := listenSocket(opts.bindAddr, port, opts.backlog)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ctrl:     ctrl,
		callback: cb,
		acceptor: acceptor,
		logger:   withAttrs(opts.logger, "component", "server"),
		metrics:  ctrl.metrics,
		opts:     opts,
		addr:     localTCPAddr(fd),
		fd:       fd,
		live:     cmap.New[*Socket](),
	}

	if err := ctrl.Add(s); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	s.logger.Info("server started", "addr", s.addr)
	s.notify("started", func() { s.callback.OnStarted(s) })
	return s, nil
}

func listenSocket(bindAddr string, port, backlog int) (int, error) {
	sa, family, err := resolve("tcp", bindAddr, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "set SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "bind port %d", port)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	return fd, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Port returns the bound port, useful after listening on port 0.
func (s *Server) Port() int {
	if a, ok := s.addr.(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Fd returns the listening descriptor, or -1 once closed.
func (s *Server) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.fd
}

// Readable is true while the server accepts connections.
func (s *Server) Readable() bool {
	return !s.IsClosed()
}

// Writable is always false; a listener never writes.
func (s *Server) Writable() bool {
	return false
}

// HandleWrite is a no-op.
func (s *Server) HandleWrite() {}

// HandleError closes the server.
func (s *Server) HandleError(err error) {
	s.logger.Error("listener error", "addr", s.addr, "error", err)
	_ = s.Close()
}

// HandleRead accepts one pending connection and runs it through the acceptor.
func (s *Server) HandleRead() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	nfd, sa, err := unix.Accept(s.fd)
	s.mu.Unlock()

	if err != nil {
		if isTemporary(err) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		s.logger.Error("accept error", "addr", s.addr, "error", err)
		return
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		s.logger.Error("accepted socket setup failed", "error", err)
		return
	}

	peer := sockaddrToTCPAddr(sa)
	cb, ok := s.admit(peer)
	if !ok {
		s.metrics.connectionsRejected.Inc()
		_ = unix.Close(nfd)
		s.logger.Debug("connection rejected", "remote_addr", peer)
		return
	}

	sock := newSocket(s, nfd, cb)

	// Close may have run while the acceptor was consulted.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = unix.Close(nfd)
		s.logger.Debug("connection dropped, server closed", "remote_addr", peer)
		return
	}
	s.live.Set(sock.id, sock)
	s.mu.Unlock()

	if err := sock.establish(nfd); err != nil {
		s.live.Remove(sock.id)
		_ = unix.Close(nfd)
		s.logger.Warn("accepted socket dropped", "remote_addr", peer, "error", err)
		return
	}

	s.metrics.connectionsAccepted.Inc()
	s.logger.Debug("accepted connection", "remote_addr", peer, "id", sock.id)
	sock.notify("new_connection", func() { cb.OnNewConnection(sock, nil) })
	s.notify("accepted", func() { s.callback.OnAccepted(s, sock) })
}

// admit consults the acceptor. A panicking or callback-less policy rejects.
func (s *Server) admit(peer net.Addr) (cb SocketCallback, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.callbackPanics.Inc()
			s.logger.Error("acceptor panicked", "remote_addr", peer, "panic", r)
			cb, ok = nil, false
		}
	}()

	if !s.acceptor.OnAccept(s, peer) {
		return nil, false
	}
	cb = s.acceptor.SocketCallback()
	if cb == nil {
		s.logger.Error("acceptor returned no socket callback", "remote_addr", peer)
		return nil, false
	}
	return cb, true
}

// Sockets returns a snapshot of the live accepted sockets.
func (s *Server) Sockets() []*Socket {
	items := s.live.Items()
	out := make([]*Socket, 0, len(items))
	for _, sock := range items {
		out = append(out, sock)
	}
	return out
}

// ShutdownAll closes every live accepted socket and keeps listening.
func (s *Server) ShutdownAll() {
	for _, sock := range s.Sockets() {
		if err := sock.Close(); err != nil {
			s.logger.Warn("socket close failed", "id", sock.id, "error", err)
		}
	}
}

// Close shuts down all accepted sockets, stops listening and calls
// OnStopped. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.fd = -1
	s.mu.Unlock()

	s.ShutdownAll()

	var err error
	if cerr := unix.Close(fd); cerr != nil {
		err = errors.Wrap(cerr, "close listener")
	}
	s.ctrl.Discard(s)

	s.logger.Info("server stopped", "addr", s.addr)
	s.notify("stopped", func() { s.callback.OnStopped(s) })
	return err
}

// IsClosed returns true once Close has been called.
func (s *Server) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) discardSocket(sock *Socket) {
	s.live.Remove(sock.id)
}

func (s *Server) notify(what string, fn func()) {
	s.ctrl.safely(s, what, fn)
}

// Socket is a connection accepted by a Server.
type Socket struct {
	*Conn

	id     string
	server *Server
}

func newSocket(server *Server, fd int, cb SocketCallback) *Socket {
	opts := defaultOptions()
	opts.logger = server.opts.logger
	for _, o := range server.opts.socket {
		o(&opts)
	}
	checkOptions(&opts)

	if opts.noDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	s := &Socket{id: uuid.NewString(), server: server}
	s.Conn = newConn(server.ctrl, cb, opts)
	s.Conn.handler = s
	s.Conn.conn = s
	s.Conn.detach = func() { server.discardSocket(s) }
	s.Conn.logger = withAttrs(s.Conn.logger, "component", "socket", "id", s.id)
	return s
}

// ID uniquely identifies the socket within its server.
func (s *Socket) ID() string {
	return s.id
}

// Server returns the server that accepted the socket.
func (s *Socket) Server() *Server {
	return s.server
}
