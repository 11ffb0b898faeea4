// Package asyncsocket is a callback-driven TCP/UDP transport built around a
// single reactor goroutine.
//
// A Controller polls every registered Handler for readiness and dispatches
// read, write and error events on its own goroutine, so callbacks never run
// concurrently with each other. TCP connections exchange length-prefixed
// frames with a 16-byte preamble; a connection that loses alignment scans for
// the next preamble instead of dropping the stream.
//
// The package targets Unix platforms.
package asyncsocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/Zereker/asyncsocket/event"
)

// Errors returned by the controller.
var (
	// ErrControllerStopped is returned when registering with a stopped controller.
	ErrControllerStopped = errors.New("controller stopped")
	// ErrControllerRunning is returned when Run is called on a running controller.
	ErrControllerRunning = errors.New("controller already running")
	// ErrControllerNotRunning is reported by the liveness check before Run.
	ErrControllerNotRunning = errors.New("controller not running")
	// ErrNilController is returned when a handler is created without a controller.
	ErrNilController = errors.New("nil controller")
	// ErrWorkerPoolExhausted is reported by the worker pool check when no dial worker is free.
	ErrWorkerPoolExhausted = errors.New("worker pool exhausted")
)

// Handler is anything the Controller polls. Readable and Writable are asked
// before every poll; the Handle methods run on the reactor goroutine.
type Handler interface {
	// Fd returns the descriptor to poll, or -1 once closed.
	Fd() int
	Readable() bool
	Writable() bool
	HandleRead()
	HandleWrite()
	// HandleError is called on POLLERR, POLLNVAL and hang-up without data.
	HandleError(err error)
	// Close releases the handler and removes it from the controller.
	Close() error
}

// Controller owns the set of registered handlers and the dispatch loop.
type Controller struct {
	logger  Logger
	opts    controllerOptions
	metrics *metrics
	pool    *ants.Pool

	mu       sync.Mutex
	handlers map[Handler]struct{}
	tasks    []func()

	hasWork    *event.Event
	shouldStop *event.Event
	running    atomic.Bool
	done       chan struct{}
}

// NewController creates a controller. The loop does not run until Start or Run.
func NewController(opt ...ControllerOption) (*Controller, error) {
	var opts controllerOptions
	for _, o := range opt {
		o(&opts)
	}
	checkControllerOptions(&opts)

	c := &Controller{
		logger:     withAttrs(opts.logger, "component", "controller"),
		opts:       opts,
		metrics:    newMetrics(opts.registerer),
		handlers:   make(map[Handler]struct{}),
		hasWork:    event.New(),
		shouldStop: event.New(),
		done:       make(chan struct{}),
	}

	pool, err := ants.NewPool(opts.workerPoolSize, ants.WithPanicHandler(func(p interface{}) {
		c.logger.Error("worker task panicked", "panic", p)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	c.pool = pool

	return c, nil
}

var (
	defaultOnce       sync.Once
	defaultController *Controller
)

// Default returns the process-wide controller, creating and starting it on
// first use. Its metrics are registered with the default prometheus registry.
func Default() *Controller {
	defaultOnce.Do(func() {
		c, err := NewController(MetricsOption(prometheus.DefaultRegisterer))
		if err != nil {
			panic(err)
		}
		c.Start()
		defaultController = c
	})
	return defaultController
}

// Start runs the loop on a new goroutine.
func (c *Controller) Start() {
	go func() {
		if err := c.Run(); err != nil {
			c.logger.Warn("controller start failed", "error", err)
		}
	}()
}

// Run executes the dispatch loop on the calling goroutine until Stop.
func (c *Controller) Run() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrControllerRunning
	}
	defer close(c.done)

	c.logger.Info("controller started", "poll_timeout", c.opts.pollTimeout)

	for !c.shouldStop.IsSet() {
		c.runTasks()

		if err := c.poll(); err != nil {
			c.metrics.pollErrors.Inc()
			c.logger.Error("poll failed", "error", err)
		}

		c.runTasks()
		c.idle()

		// Blocks only while nothing is registered.
		_ = c.hasWork.Wait(context.Background())
	}

	c.logger.Info("controller stopped")
	return nil
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Add registers h and wakes an idle loop.
func (c *Controller) Add(h Handler) error {
	c.mu.Lock()
	if c.shouldStop.IsSet() {
		c.mu.Unlock()
		return ErrControllerStopped
	}
	c.handlers[h] = struct{}{}
	c.metrics.handlers.Set(float64(len(c.handlers)))
	c.mu.Unlock()

	c.hasWork.Set()
	return nil
}

// Discard unregisters h. The loop goes idle once nothing is left.
func (c *Controller) Discard(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, h)
	c.metrics.handlers.Set(float64(len(c.handlers)))
	if len(c.handlers) == 0 && len(c.tasks) == 0 && !c.shouldStop.IsSet() {
		c.hasWork.Clear()
	}
}

// Len returns the number of registered handlers.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Clear closes every registered handler without stopping the loop.
func (c *Controller) Clear() {
	c.closeAll(c.takeAll())

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handlers) == 0 && len(c.tasks) == 0 && !c.shouldStop.IsSet() {
		c.hasWork.Clear()
	}
}

// Stop closes every handler and ends the loop. No callbacks fire afterwards
// except those raised by the closes themselves. Safe to call multiple times.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.shouldStop.IsSet() {
		c.mu.Unlock()
		return
	}
	c.shouldStop.Set()
	c.tasks = nil
	c.mu.Unlock()

	c.closeAll(c.takeAll())

	c.pool.Release()
	c.hasWork.Set()
}

// takeAll snapshots and empties the registry.
func (c *Controller) takeAll() []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]Handler, 0, len(c.handlers))
	for h := range c.handlers {
		snapshot = append(snapshot, h)
	}
	c.handlers = make(map[Handler]struct{})
	c.metrics.handlers.Set(0)
	return snapshot
}

func (c *Controller) closeAll(handlers []Handler) {
	for _, h := range handlers {
		c.safely(h, "close", func() {
			if err := h.Close(); err != nil {
				c.logger.Warn("handler close failed", "handler", handlerName(h), "error", err)
			}
		})
	}
}

// invoke queues fn to run on the reactor goroutine. It reports false once
// the controller is stopped.
func (c *Controller) invoke(fn func()) bool {
	c.mu.Lock()
	if c.shouldStop.IsSet() {
		c.mu.Unlock()
		return false
	}
	c.tasks = append(c.tasks, fn)
	c.mu.Unlock()

	c.hasWork.Set()
	return true
}

// submit runs blocking work on the worker pool.
func (c *Controller) submit(fn func()) error {
	return c.pool.Submit(fn)
}

func (c *Controller) runTasks() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()

	for _, fn := range tasks {
		c.safely(nil, "task", fn)
	}
}

// idle clears the work signal when there is nothing left to poll.
func (c *Controller) idle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handlers) == 0 && len(c.tasks) == 0 && !c.shouldStop.IsSet() {
		c.hasWork.Clear()
	}
}

func (c *Controller) registered(h Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[h]
	return ok
}

func (c *Controller) snapshot() []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	handlers := make([]Handler, 0, len(c.handlers))
	for h := range c.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// poll runs one readiness poll over all registered handlers and dispatches
// the resulting events.
func (c *Controller) poll() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("poll panicked: %v", r)
		}
	}()

	handlers := c.snapshot()
	active := make([]Handler, 0, len(handlers))
	fds := make([]unix.PollFd, 0, len(handlers))
	for _, h := range handlers {
		fd := h.Fd()
		if fd < 0 {
			continue
		}

		var events int16
		if h.Readable() {
			events |= unix.POLLIN
		}
		if h.Writable() {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}

		active = append(active, h)
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := unix.Poll(fds, int(c.opts.pollTimeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return errors.Wrap(err, "poll")
	}
	if n == 0 {
		return nil
	}

	for i, pfd := range fds {
		if pfd.Revents != 0 {
			c.dispatch(active[i], pfd.Revents)
		}
	}
	return nil
}

func (c *Controller) dispatch(h Handler, revents int16) {
	// An earlier callback in this round may have closed h.
	if !c.registered(h) {
		return
	}

	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		c.safely(h, "read", h.HandleRead)
	}
	if revents&unix.POLLOUT != 0 && c.registered(h) {
		c.safely(h, "write", h.HandleWrite)
	}

	switch {
	case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		if c.registered(h) {
			err := socketError(h.Fd())
			c.safely(h, "error", func() { h.HandleError(err) })
		}
	case revents&unix.POLLHUP != 0 && revents&unix.POLLIN == 0:
		if c.registered(h) {
			c.safely(h, "error", func() { h.HandleError(errHangup) })
		}
	}
}

// safely runs fn, logging and counting a panic instead of propagating it.
func (c *Controller) safely(h Handler, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.callbackPanics.Inc()
			c.logger.Error("callback panicked", "event", what, "handler", handlerName(h), "panic", r)
		}
	}()
	fn()
}

var errHangup = errors.New("peer hung up")

// socketError fetches the pending error of fd, if any.
func socketError(fd int) error {
	if fd < 0 {
		return unix.EBADF
	}
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if code == 0 {
		return errors.New("socket error")
	}
	return unix.Errno(code)
}

func handlerName(h Handler) string {
	if h == nil {
		return "none"
	}
	return fmt.Sprintf("%T", h)
}
