package asyncsocket

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverRecorder is a ServerCallback that remembers lifecycle events.
type serverRecorder struct {
	mu       sync.Mutex
	started  int
	stopped  int
	accepted []*Socket
}

func (r *serverRecorder) OnStarted(*Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *serverRecorder) OnAccepted(_ *Server, sock *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = append(r.accepted, sock)
}

func (r *serverRecorder) OnStopped(*Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *serverRecorder) counts() (started, stopped, accepted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped, len(r.accepted)
}

// gate admits peers while open is true.
type gate struct {
	mu   sync.Mutex
	open bool
	cb   SocketCallback
	seen []net.Addr
}

func (g *gate) OnAccept(_ *Server, peer net.Addr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, peer)
	return g.open
}

func (g *gate) SocketCallback() SocketCallback { return g.cb }

func (g *gate) peers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

type panickingAcceptor struct{}

func (panickingAcceptor) OnAccept(*Server, net.Addr) bool { panic("acceptor bug") }

func (panickingAcceptor) SocketCallback() SocketCallback { return NopSocketCallback{} }

func listenWith(t *testing.T, ctrl *Controller, cb ServerCallback, acceptor Acceptor) *Server {
	t.Helper()
	srv, err := Listen(ctrl, 0, cb, acceptor,
		BindAddrOption("127.0.0.1"),
		ServerLoggerOption(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// expectEOF waits for the server to drop conn.
func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestListen_Lifecycle(t *testing.T) {
	ctrl := startTestController(t)
	rec := &serverRecorder{}
	sockets := &recorder{}

	srv := listenWith(t, ctrl, rec, AcceptAll{New: func() SocketCallback { return sockets }})
	assert.NotZero(t, srv.Port())
	assert.GreaterOrEqual(t, srv.Fd(), 0)
	assert.Equal(t, 1, ctrl.Len())

	started, stopped, _ := rec.counts()
	assert.Equal(t, 1, started)
	assert.Zero(t, stopped)

	rawDial(t, srv)
	require.Eventually(t, func() bool {
		_, _, accepted := rec.counts()
		return accepted == 1
	}, waitFor, tick)
	assert.Equal(t, float64(1), testutil.ToFloat64(ctrl.metrics.connectionsAccepted))

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	_, stopped, _ = rec.counts()
	assert.Equal(t, 1, stopped)
	assert.True(t, srv.IsClosed())
	assert.Equal(t, -1, srv.Fd())
	assert.Zero(t, ctrl.Len())
	assert.Equal(t, 1, sockets.disconnected(), "close shuts down accepted sockets")
	assert.Empty(t, srv.Sockets())
}

func TestListen_Arguments(t *testing.T) {
	ctrl := newTestController(t)
	acceptor := AcceptAll{New: func() SocketCallback { return NopSocketCallback{} }}

	_, err := Listen(nil, 0, NopServerCallback{}, acceptor)
	assert.ErrorIs(t, err, ErrNilController)

	_, err = Listen(ctrl, 0, nil, acceptor)
	assert.ErrorIs(t, err, ErrInvalidCallback)

	_, err = Listen(ctrl, 0, NopServerCallback{}, nil)
	assert.ErrorIs(t, err, ErrInvalidAcceptor)
}

func TestListen_OccupiedPort(t *testing.T) {
	ctrl := newTestController(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	_, err = Listen(ctrl, port, NopServerCallback{}, AcceptAll{},
		BindAddrOption("127.0.0.1"),
		ServerLoggerOption(discardLogger()),
	)
	assert.Error(t, err)
	assert.Zero(t, ctrl.Len())
}

func TestListen_AfterStop(t *testing.T) {
	ctrl := newTestController(t)
	ctrl.Stop()

	_, err := Listen(ctrl, 0, NopServerCallback{}, AcceptAll{},
		BindAddrOption("127.0.0.1"),
		ServerLoggerOption(discardLogger()),
	)
	assert.ErrorIs(t, err, ErrControllerStopped)
}

func TestServer_RejectingAcceptor(t *testing.T) {
	ctrl := startTestController(t)
	rec := &serverRecorder{}
	sockets := &recorder{}
	g := &gate{cb: sockets}

	srv := listenWith(t, ctrl, rec, g)
	conn := rawDial(t, srv)

	expectEOF(t, conn)
	assert.Equal(t, 1, g.peers())
	assert.Empty(t, srv.Sockets())
	assert.Empty(t, sockets.connections(), "rejected peers never get a callback")
	assert.Equal(t, float64(1), testutil.ToFloat64(ctrl.metrics.connectionsRejected))

	_, _, accepted := rec.counts()
	assert.Zero(t, accepted)
}

func TestServer_AcceptorWithoutCallback(t *testing.T) {
	ctrl := startTestController(t)
	srv := listenWith(t, ctrl, NopServerCallback{}, &gate{open: true})

	expectEOF(t, rawDial(t, srv))
	assert.Empty(t, srv.Sockets())
}

func TestServer_PanickingAcceptor(t *testing.T) {
	ctrl := startTestController(t)
	srv := listenWith(t, ctrl, NopServerCallback{}, panickingAcceptor{})

	expectEOF(t, rawDial(t, srv))
	assert.Empty(t, srv.Sockets())
	assert.False(t, srv.IsClosed(), "listener survives")
	assert.Equal(t, float64(1), testutil.ToFloat64(ctrl.metrics.callbackPanics))
}

func TestServer_ShutdownAll(t *testing.T) {
	ctrl := startTestController(t)
	serverSide := &recorder{}
	srv := startServer(t, ctrl, serverSide)

	a, b := &recorder{}, &recorder{}
	dialServer(t, ctrl, srv, a)
	dialServer(t, ctrl, srv, b)
	require.Eventually(t, func() bool { return len(serverSide.connections()) == 2 }, waitFor, tick)

	ids := map[string]bool{}
	for _, s := range srv.Sockets() {
		ids[s.ID()] = true
		assert.Same(t, srv, s.Server())
	}
	assert.Len(t, ids, 2, "socket ids are unique")

	srv.ShutdownAll()

	assert.Empty(t, srv.Sockets())
	assert.Equal(t, 2, serverSide.disconnected())
	require.Eventually(t, func() bool { return a.disconnected() == 1 && b.disconnected() == 1 }, waitFor, tick)

	// Still listening.
	c := &recorder{}
	dialServer(t, ctrl, srv, c)
	require.NoError(t, c.waitConnected(t))
	require.Eventually(t, func() bool { return len(srv.Sockets()) == 1 }, waitFor, tick)
}

func TestServer_SocketSend(t *testing.T) {
	ctrl := startTestController(t)
	rec := &serverRecorder{}
	srv := listenWith(t, ctrl, rec, AcceptAll{New: func() SocketCallback { return NopSocketCallback{} }})

	client := &recorder{}
	dialServer(t, ctrl, srv, client)
	require.NoError(t, client.waitConnected(t))
	require.Eventually(t, func() bool { return len(srv.Sockets()) == 1 }, waitFor, tick)

	sock := srv.Sockets()[0]
	require.NoError(t, sock.Send([]byte("hello from server")))

	msgs := client.waitMessages(t, 1)
	assert.Equal(t, []byte("hello from server"), msgs[0])
}

func TestStop_ClosesEverything(t *testing.T) {
	ctrl := startTestController(t)
	rec := &serverRecorder{}
	serverSide := &recorder{}
	srv := listenWith(t, ctrl, rec, AcceptAll{New: func() SocketCallback { return serverSide }})

	client := &recorder{}
	c := dialServer(t, ctrl, srv, client)
	require.NoError(t, client.waitConnected(t))
	require.NoError(t, serverSide.waitConnected(t))

	ctrl.Stop()

	select {
	case <-ctrl.Done():
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	assert.True(t, srv.IsClosed())
	assert.True(t, c.IsClosed())
	assert.Equal(t, 1, client.disconnected())
	assert.Equal(t, 1, serverSide.disconnected())
	_, stopped, _ := rec.counts()
	assert.Equal(t, 1, stopped)
}

// closingAcceptor closes the server while admitting its first peer.
type closingAcceptor struct {
	cb SocketCallback
}

func (a closingAcceptor) OnAccept(srv *Server, _ net.Addr) bool {
	_ = srv.Close()
	return true
}

func (a closingAcceptor) SocketCallback() SocketCallback { return a.cb }

func TestServer_CloseDuringAdmission(t *testing.T) {
	ctrl := startTestController(t)
	rec := &serverRecorder{}
	sockets := &recorder{}
	srv := listenWith(t, ctrl, rec, closingAcceptor{cb: sockets})

	expectEOF(t, rawDial(t, srv))

	assert.True(t, srv.IsClosed())
	assert.Empty(t, srv.Sockets())
	assert.Empty(t, sockets.connections(), "no socket outlives its server")
	assert.Zero(t, ctrl.Len())
	assert.Zero(t, testutil.ToFloat64(ctrl.metrics.connectionsAccepted))

	started, stopped, accepted := rec.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Zero(t, accepted)
}
