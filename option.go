package asyncsocket

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorAction defines the action to take when a socket error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps the connection open.
	Continue
)

// Default configuration values.
const (
	defaultPollTimeout    = 10 * time.Millisecond
	defaultWorkerPoolSize = 64
	defaultReadBufferSize = 64 * 1024
	defaultDialTimeout    = 10 * time.Second
	defaultBacklog        = 128
	defaultMulticastTTL   = 1
)

// ControllerOption configures a Controller.
type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	logger         Logger
	pollTimeout    time.Duration
	workerPoolSize int
	registerer     prometheus.Registerer
}

func checkControllerOptions(opts *controllerOptions) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.pollTimeout <= 0 {
		opts.pollTimeout = defaultPollTimeout
	}
	if opts.workerPoolSize <= 0 {
		opts.workerPoolSize = defaultWorkerPoolSize
	}
}

// ControllerLoggerOption sets the controller's logger.
func ControllerLoggerOption(logger Logger) ControllerOption {
	return func(o *controllerOptions) {
		o.logger = logger
	}
}

// PollTimeoutOption bounds how long one readiness poll may block while
// handlers are registered.
func PollTimeoutOption(timeout time.Duration) ControllerOption {
	return func(o *controllerOptions) {
		o.pollTimeout = timeout
	}
}

// WorkerPoolSizeOption sets how many blocking dials may run at once.
func WorkerPoolSizeOption(size int) ControllerOption {
	return func(o *controllerOptions) {
		o.workerPoolSize = size
	}
}

// MetricsOption registers the controller's collectors with reg.
// Without it, metrics are collected but not exported.
func MetricsOption(reg prometheus.Registerer) ControllerOption {
	return func(o *controllerOptions) {
		o.registerer = reg
	}
}

// Option configures a TCP connection.
type Option func(*options)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onError is consulted for socket errors other than would-block and EOF.
	onError func(error) ErrorAction

	noDelay        bool
	maxMessageSize int // 0 means unlimited
	readBufferSize int
	dialTimeout    time.Duration
	dialBackoff    func() backoff.BackOff
}

func defaultOptions() options {
	return options{noDelay: true}
}

// checkOptions fills in default values.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}
	if opts.maxMessageSize < 0 {
		opts.maxMessageSize = 0
	}
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}
	if opts.dialBackoff == nil {
		opts.dialBackoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	}
}

// LoggerOption sets the connection's logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnErrorOption sets the socket error policy.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// NoDelayOption toggles TCP_NODELAY. Enabled by default.
func NoDelayOption(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
	}
}

// MessageMaxSize rejects headers announcing more than size payload bytes.
// Such headers are treated as corrupt and the stream is resynchronized.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// ReadBufferSizeOption sets the largest single read issued per readiness event.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// DialTimeoutOption bounds each connection attempt made by Dial.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// DialBackoffOption sets the retry policy for Dial. The factory is called
// once per Dial. By default a single attempt is made.
func DialBackoffOption(factory func() backoff.BackOff) Option {
	return func(o *options) {
		o.dialBackoff = factory
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger   Logger
	bindAddr string
	backlog  int
	socket   []Option
}

func checkServerOptions(opts *serverOptions) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.backlog <= 0 {
		opts.backlog = defaultBacklog
	}
}

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// BindAddrOption sets the local address to listen on. Empty means all interfaces.
func BindAddrOption(addr string) ServerOption {
	return func(o *serverOptions) {
		o.bindAddr = addr
	}
}

// BacklogOption sets the listen backlog.
func BacklogOption(backlog int) ServerOption {
	return func(o *serverOptions) {
		o.backlog = backlog
	}
}

// SocketOptions applies opts to every accepted socket. Sockets inherit the
// server's logger unless one is given here.
func SocketOptions(opts ...Option) ServerOption {
	return func(o *serverOptions) {
		o.socket = append(o.socket, opts...)
	}
}

// UDPOption configures a UDPSocket.
type UDPOption func(*udpOptions)

func defaultUDPOptions() udpOptions {
	return udpOptions{ttl: defaultMulticastTTL}
}

type udpOptions struct {
	logger    Logger
	bindAddr  string
	multicast bool
	ttl       int
	loopback  bool
	iface     net.IP
}

func checkUDPOptions(opts *udpOptions) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.ttl < 0 || opts.ttl > 255 {
		opts.ttl = defaultMulticastTTL
	}
}

// UDPLoggerOption sets the logger for the UDP socket.
func UDPLoggerOption(logger Logger) UDPOption {
	return func(o *udpOptions) {
		o.logger = logger
	}
}

// UDPBindAddrOption sets the local address to bind. Empty means all interfaces.
func UDPBindAddrOption(addr string) UDPOption {
	return func(o *udpOptions) {
		o.bindAddr = addr
	}
}

// MulticastTTLOption sets the multicast hop limit:
// 0 host, 1 subnet, 32 site, 64 region, 128 continent, 255 unrestricted.
func MulticastTTLOption(ttl int) UDPOption {
	return func(o *udpOptions) {
		o.multicast = true
		o.ttl = ttl
	}
}

// MulticastLoopbackOption controls whether sent multicast datagrams are
// looped back to local receivers.
func MulticastLoopbackOption(enable bool) UDPOption {
	return func(o *udpOptions) {
		o.multicast = true
		o.loopback = enable
	}
}

// MulticastInterfaceOption selects the IPv4 address of the interface used
// to send and join multicast groups.
func MulticastInterfaceOption(ip net.IP) UDPOption {
	return func(o *udpOptions) {
		o.multicast = true
		o.iface = ip
	}
}
