// Command echo serves the framed echo protocol on a TCP port and exposes
// health and metrics endpoints. It stops on SIGINT/SIGTERM or when the
// listener goes away.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/asyncsocket"
	"github.com/Zereker/asyncsocket/event"
)

var (
	port        = flag.Int("port", 12345, "TCP port for the echo protocol")
	adminAddr   = flag.String("admin-addr", "127.0.0.1:9090", "Address serving /live, /ready and /metrics")
	maxMessage  = flag.Int("max-message-size", 1<<20, "Largest accepted message in bytes")
	stopTimeout = flag.Duration("shutdown-timeout", 5*time.Second, "Grace period for the admin server")
)

// echo sends every message back to its sender.
type echo struct {
	asyncsocket.NopSocketCallback
	logger *slog.Logger
}

func (e echo) OnNewConnection(conn asyncsocket.Connection, err error) {
	if err == nil {
		e.logger.Info("peer connected", "addr", conn.RemoteAddr())
	}
}

func (e echo) OnReceived(conn asyncsocket.Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		e.logger.Warn("echo failed", "addr", conn.RemoteAddr(), "error", err)
	}
}

func (e echo) OnDisconnect(conn asyncsocket.Connection) {
	e.logger.Info("peer disconnected", "addr", conn.RemoteAddr())
}

// lifecycle raises fatal when the listener stops.
type lifecycle struct {
	asyncsocket.NopServerCallback
	fatal *event.Event
}

func (l lifecycle) OnStopped(*asyncsocket.Server) {
	l.fatal.Set()
}

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("echo server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	ctrl, err := asyncsocket.NewController(
		asyncsocket.ControllerLoggerOption(logger),
		asyncsocket.MetricsOption(reg),
	)
	if err != nil {
		return err
	}

	interrupted := event.New()
	fatal := event.New()
	shutdown := event.Or(interrupted, fatal)
	defer shutdown.Detach()

	acceptor := asyncsocket.AcceptAll{New: func() asyncsocket.SocketCallback {
		return echo{logger: logger}
	}}
	srv, err := asyncsocket.Listen(ctrl, *port, lifecycle{fatal: fatal}, acceptor,
		asyncsocket.ServerLoggerOption(logger),
		asyncsocket.SocketOptions(asyncsocket.MessageMaxSize(*maxMessage)),
	)
	if err != nil {
		ctrl.Stop()
		return errors.Wrap(err, "listen")
	}
	logger.Info("echo server listening", "port", srv.Port(), "admin_addr", *adminAddr)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("reactor", ctrl.LivenessCheck())
	health.AddReadinessCheck("dial-workers", ctrl.WorkerPoolCheck())

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	admin := &http.Server{Addr: *adminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, child := errgroup.WithContext(ctx)

	group.Go(ctrl.Run)

	group.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal.Set()
			return errors.Wrap(err, "admin server")
		}
		return nil
	})

	group.Go(func() error {
		_ = shutdown.Wait(context.Background())
		graceful := interrupted.IsSet()
		logger.Info("shutting down", "interrupted", graceful)

		ctrl.Stop()

		stopCtx, cancel := context.WithTimeout(context.Background(), *stopTimeout)
		defer cancel()
		if err := admin.Shutdown(stopCtx); err != nil {
			return errors.Wrap(err, "admin shutdown")
		}
		if !graceful {
			return errors.New("listener stopped unexpectedly")
		}
		return nil
	})

	go func() {
		<-child.Done()
		interrupted.Set()
	}()

	return group.Wait()
}
