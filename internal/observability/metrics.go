package observability

import (
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/avrlink/internal/dispatch"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avrlink"

type Metrics struct {
	registry *prometheus.Registry

	samples       *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	connState     *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	commands      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Decoded telemetry samples by channel, transport and store outcome.",
		}, []string{"channel", "transport", "outcome"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Telemetry messages dropped because they failed to decode.",
		}, []string{"transport", "reason"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded, 4 failed).",
		}, []string{"transport"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a lost or failed connection.",
		}, []string{"transport"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands by name and result.",
		}, []string{"transport", "command", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.samples,
		m.decodeErrors,
		m.connState,
		m.reconnects,
		m.commands,
		m.httpRequests,
		m.httpDurations,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WatchStore exports the store's counters and snapshot version.
func (m *Metrics) WatchStore(s *state.Store) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the current state snapshot.",
		}, func() float64 { return float64(s.Stats().Version) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_channels",
			Help:      "Channels present in the current state snapshot.",
		}, func() float64 { return float64(s.Current().Len()) }),
	)
}

// WatchDispatcher exports delivery and coalescing counts.
func (m *Metrics) WatchDispatcher(d *dispatch.Dispatcher) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_delivered_total",
			Help:      "Snapshots delivered to the UI context.",
		}, func() float64 { return float64(d.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_coalesced_total",
			Help:      "Snapshots superseded before the UI context picked them up.",
		}, func() float64 { return float64(d.Stats().Coalesced) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_tasks_dropped_total",
			Help:      "UI tasks dropped because the task queue was full.",
		}, func() float64 { return float64(d.Stats().Dropped) }),
	)
}

// WatchOutbox exports the number of queued commands for a transport.
func (m *Metrics) WatchOutbox(transportName string, pending func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "outbox_pending",
		Help:        "Commands waiting to be sent.",
		ConstLabels: prometheus.Labels{"transport": transportName},
	}, func() float64 { return float64(pending()) }))
}

func (m *Metrics) ObserveDecodeError(transportName, reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(transportName, reason).Inc()
}

func (m *Metrics) ObserveApply(channel telemetry.ChannelID, transportName string, outcome state.Outcome) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(string(channel), transportName, outcome.String()).Inc()
}

// ObserveConnection is a transport.Listener.
func (m *Metrics) ObserveConnection(prev, next transport.ConnectionInfo) {
	if m == nil {
		return
	}
	m.connState.WithLabelValues(next.Transport).Set(float64(next.State))
	if next.State == transport.Connecting && next.Retries > 0 && prev.State != transport.Connecting {
		m.reconnects.WithLabelValues(next.Transport).Inc()
	}
}

func (m *Metrics) ObserveCommand(transportName string, cmd *telemetry.Command, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(transportName, cmd.Name, CommandResult(err)).Inc()
}

// CommandResult labels a command outcome.
func CommandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case transport.IsNotConnected(err):
		return "not_connected"
	case transport.IsRejected(err):
		return "rejected"
	case transport.IsOverflow(err):
		return "overflow"
	default:
		return "error"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
