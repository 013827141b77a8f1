// Package metrics exposes daemon counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors used by the channel and the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	envelopesDropped  prometheus.Counter
	reconnects        prometheus.Counter
	connected         prometheus.Gauge

	sessions         *prometheus.GaugeVec
	pending          prometheus.Gauge
	requests         *prometheus.CounterVec
	messages         prometheus.Counter
	duplicates       prometheus.Counter
	pushesBuffered   prometheus.Counter
	pushesDiscarded  prometheus.Counter
	busEventsDropped prometheus.GaugeFunc
}

// New registers all collectors on a fresh registry. dropped, if non-nil, is
// sampled for the bus drop gauge.
func New(dropped func() uint64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlschat_envelopes_sent_total",
			Help: "Envelopes written to the delivery service",
		}, []string{"type"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlschat_envelopes_received_total",
			Help: "Envelopes read from the delivery service",
		}, []string{"type"}),
		envelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_envelopes_dropped_total",
			Help: "Inbound lines dropped because they did not parse",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_reconnects_total",
			Help: "Successful reconnections after a lost connection",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mlschat_connected",
			Help: "1 while the delivery channel is connected",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mlschat_sessions",
			Help: "Group sessions by mode",
		}, []string{"mode"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mlschat_pending_requests",
			Help: "Requests awaiting a delivery service response",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlschat_requests_resolved_total",
			Help: "Resolved requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_messages_appended_total",
			Help: "Messages appended to session history",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_duplicates_ignored_total",
			Help: "Duplicate deliveries and welcomes ignored",
		}),
		pushesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_pushes_buffered_total",
			Help: "Unsolicited pushes held for a session not yet registered",
		}),
		pushesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlschat_pushes_discarded_total",
			Help: "Buffered pushes discarded after the window or on overflow",
		}),
	}
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}
	m.busEventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mlschat_bus_events_dropped",
		Help: "Presentation events skipped because a subscriber was full",
	}, func() float64 { return float64(dropped()) })

	m.reg.MustRegister(
		m.envelopesSent, m.envelopesReceived, m.envelopesDropped,
		m.reconnects, m.connected, m.sessions, m.pending, m.requests,
		m.messages, m.duplicates, m.pushesBuffered, m.pushesDiscarded,
		m.busEventsDropped,
		prometheus.NewGoCollector(),
	)
	return m
}

// Gatherer returns the registry backing m.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

func (m *Metrics) EnvelopeSent(typ string) {
	if m != nil {
		m.envelopesSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) EnvelopeReceived(typ string) {
	if m != nil {
		m.envelopesReceived.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) EnvelopeDropped() {
	if m != nil {
		m.envelopesDropped.Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SetSessions(local, linked int) {
	if m != nil {
		m.sessions.WithLabelValues("local").Set(float64(local))
		m.sessions.WithLabelValues("linked").Set(float64(linked))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// Resolved records a finished request; outcome is success, error or timeout.
func (m *Metrics) Resolved(kind, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) MessageAppended() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) DuplicateIgnored() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) PushBuffered() {
	if m != nil {
		m.pushesBuffered.Inc()
	}
}

func (m *Metrics) PushDiscarded(n int) {
	if m != nil && n > 0 {
		m.pushesDiscarded.Add(float64(n))
	}
}

// Server serves /metrics on its own listener.
type Server struct {
	addr string
	srv  *http.Server
	ln   net.Listener
	log  *zap.Logger
}

// NewServer builds an exposition server for m on addr.
func NewServer(addr string, m *Metrics, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{}))
	return &Server{
		addr: addr,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  log,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()
	s.log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
