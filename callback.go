package asyncsocket

import "net"

// SendStatus reports the outcome of a queued send.
type SendStatus int

const (
	// StatusSuccess means the whole frame or datagram was written.
	StatusSuccess SendStatus = iota
	// StatusSocketError means the socket failed before the write completed.
	StatusSocketError
)

func (s SendStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSocketError:
		return "socket_error"
	default:
		return "unknown"
	}
}

// Connection is the view of a TCP client or accepted socket handed to callbacks.
type Connection interface {
	// Send queues payload as one frame. It never blocks.
	Send(payload []byte) error
	// Close closes the connection. Safe to call multiple times.
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	IsClosed() bool
}

// SocketCallback receives events for one TCP connection. Except for
// OnDisconnect when Close is called directly, methods run on the reactor
// goroutine and must not block.
type SocketCallback interface {
	// OnNewConnection reports the outcome of connection setup. err is nil
	// when the connection is ready.
	OnNewConnection(conn Connection, err error)
	// OnDisconnect is called once after an established connection closes.
	OnDisconnect(conn Connection)
	// OnReceived delivers one complete message payload.
	OnReceived(conn Connection, data []byte)
	// OnSent reports a frame leaving the send queue.
	OnSent(conn Connection, status SendStatus, data []byte)
}

// ServerCallback receives listener lifecycle events.
type ServerCallback interface {
	OnStarted(server *Server)
	OnAccepted(server *Server, sock *Socket)
	OnStopped(server *Server)
}

// Acceptor is the admission policy of a Server.
type Acceptor interface {
	// OnAccept decides whether to keep a connection from peer.
	OnAccept(server *Server, peer net.Addr) bool
	// SocketCallback returns the callback for a newly accepted connection.
	SocketCallback() SocketCallback
}

// UDPCallback receives events for a UDPSocket.
type UDPCallback interface {
	OnStarted(sock *UDPSocket)
	OnStopped(sock *UDPSocket)
	OnReceived(sock *UDPSocket, addr *net.UDPAddr, data []byte)
	OnSent(sock *UDPSocket, status SendStatus, data []byte)
	// OnJoin and OnLeave report multicast group membership changes.
	OnJoin(sock *UDPSocket, group string)
	OnLeave(sock *UDPSocket, group string)
}

// NopSocketCallback implements SocketCallback with no-ops. Embed it to
// override only the events you need.
type NopSocketCallback struct{}

func (NopSocketCallback) OnNewConnection(Connection, error) {}
func (NopSocketCallback) OnDisconnect(Connection) {}
func (NopSocketCallback) OnReceived(Connection, []byte) {}
func (NopSocketCallback) OnSent(Connection, SendStatus, []byte) {}

// NopServerCallback implements ServerCallback with no-ops.
type NopServerCallback struct{}

func (NopServerCallback) OnStarted(*Server) {}
func (NopServerCallback) OnAccepted(*Server, *Socket) {}
func (NopServerCallback) OnStopped(*Server) {}

// NopUDPCallback implements UDPCallback with no-ops.
type NopUDPCallback struct{}

func (NopUDPCallback) OnStarted(*UDPSocket) {}
func (NopUDPCallback) OnStopped(*UDPSocket) {}
func (NopUDPCallback) OnReceived(*UDPSocket, *net.UDPAddr, []byte) {}
func (NopUDPCallback) OnSent(*UDPSocket, SendStatus, []byte) {}
func (NopUDPCallback) OnJoin(*UDPSocket, string) {}
func (NopUDPCallback) OnLeave(*UDPSocket, string) {}

// AcceptAll is an Acceptor that admits every peer and serves it with the
// callback returned by New.
type AcceptAll struct {
	New func() SocketCallback
}

func (a AcceptAll) OnAccept(*Server, net.Addr) bool { return true }

func (a AcceptAll) SocketCallback() SocketCallback {
	if a.New == nil {
		return nil
	}
	return a.New()
}
