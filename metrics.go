package asyncsocket

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "asyncsocket"

// metrics holds the collectors of one Controller and the handlers it drives.
type metrics struct {
	handlers            prometheus.Gauge
	pollErrors          prometheus.Counter
	callbackPanics      prometheus.Counter
	framesReceived      prometheus.Counter
	framesSent          prometheus.Counter
	sendFailures        prometheus.Counter
	resyncDiscarded     prometheus.Counter
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	datagramsReceived   prometheus.Counter
	datagramsSent       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &metrics{
		handlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers",
			Help:      "Number of handlers registered with the controller.",
		}),
		pollErrors:          counter("poll_errors_total", "Readiness poll failures."),
		callbackPanics:      counter("callback_panics_total", "Handler callbacks that panicked."),
		framesReceived:      counter("frames_received_total", "Complete TCP frames delivered."),
		framesSent:          counter("frames_sent_total", "TCP frames fully written."),
		sendFailures:        counter("send_failures_total", "Frames or datagrams that failed to send."),
		resyncDiscarded:     counter("resync_discarded_bytes_total", "Bytes dropped while resynchronizing a stream."),
		connectionsAccepted: counter("connections_accepted_total", "Connections admitted by a server."),
		connectionsRejected: counter("connections_rejected_total", "Connections refused by an acceptor."),
		datagramsReceived:   counter("datagrams_received_total", "UDP datagrams received."),
		datagramsSent:       counter("datagrams_sent_total", "UDP datagrams sent."),
	}

	if reg == nil {
		return m
	}

	m.handlers = register(reg, m.handlers)
	m.pollErrors = register(reg, m.pollErrors)
	m.callbackPanics = register(reg, m.callbackPanics)
	m.framesReceived = register(reg, m.framesReceived)
	m.framesSent = register(reg, m.framesSent)
	m.sendFailures = register(reg, m.sendFailures)
	m.resyncDiscarded = register(reg, m.resyncDiscarded)
	m.connectionsAccepted = register(reg, m.connectionsAccepted)
	m.connectionsRejected = register(reg, m.connectionsRejected)
	m.datagramsReceived = register(reg, m.datagramsReceived)
	m.datagramsSent = register(reg, m.datagramsSent)
	return m
}

// register adds c to reg, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		defaultLogger().Warn("metric registration failed", "error", err)
	}
	return c
}
