package metrics

import (
	"net/http"
	"time"

	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Link metrics
	framesIn    *prometheus.CounterVec
	framesOut   *prometheus.CounterVec
	bytesIn     *prometheus.CounterVec
	bytesOut    *prometheus.CounterVec
	framesDrop  *prometheus.CounterVec
	linkPhase   *prometheus.GaugeVec
	sendErrors  *prometheus.CounterVec
	loopbacks   *prometheus.CounterVec
	framingErrs *prometheus.CounterVec

	// Automaton metrics
	transitions *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	violations  *prometheus.CounterVec

	// Protocol metrics
	subscribers   *prometheus.GaugeVec
	echoFailures  *prometheus.CounterVec
	negotiatedMRU *prometheus.GaugeVec

	// Buffer metrics
	buffersOutstanding prometheus.Gauge
	bufferFailures     prometheus.Gauge

	// References for collection
	alloc  *layer.PoolAllocator
	logger *zap.Logger
}

// Phase names in the order the link gauge reports them.
var phaseNames = []string{"Dead", "Establish", "Authenticate", "Network", "Terminate"}

// New creates a new Metrics instance. alloc may be nil.
func New(alloc *layer.PoolAllocator, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		alloc:  alloc,
		logger: logger,

		framesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_frames_in_total",
				Help: "Frames received by link and protocol",
			},
			[]string{"link", "protocol"},
		),

		framesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_frames_out_total",
				Help: "Frames sent by link and protocol",
			},
			[]string{"link", "protocol"},
		),

		bytesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_bytes_in_total",
				Help: "Frame bytes received by link and protocol",
			},
			[]string{"link", "protocol"},
		),

		bytesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_bytes_out_total",
				Help: "Frame bytes sent by link and protocol",
			},
			[]string{"link", "protocol"},
		),

		framesDrop: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_frames_dropped_total",
				Help: "Inbound frames dropped by link and reason",
			},
			[]string{"link", "reason"},
		),

		linkPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ppp_link_phase",
				Help: "Current link phase (1 for the active phase)",
			},
			[]string{"link", "phase"},
		),

		sendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_send_errors_total",
				Help: "Send failures by link and protocol",
			},
			[]string{"link", "protocol"},
		),

		loopbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_loopback_detected_total",
				Help: "Configure-Requests carrying our own magic number",
			},
			[]string{"link"},
		),

		framingErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_framing_errors_total",
				Help: "Framer errors by kind",
			},
			[]string{"kind"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_fsm_transitions_total",
				Help: "Automaton state changes by protocol",
			},
			[]string{"protocol", "from", "to"},
		),

		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_fsm_timeouts_total",
				Help: "Restart timer expiries by protocol and kind",
			},
			[]string{"protocol", "kind"},
		),

		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_fsm_invariant_violations_total",
				Help: "Automaton invariant violations by protocol",
			},
			[]string{"protocol"},
		),

		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ppp_open_subscribers",
				Help: "Open subscriptions per protocol",
			},
			[]string{"protocol"},
		),

		echoFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppp_lcp_echo_failures_total",
				Help: "Unanswered LCP Echo-Requests",
			},
			[]string{"link"},
		),

		negotiatedMRU: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ppp_lcp_mru_bytes",
				Help: "Negotiated MRU by link and direction",
			},
			[]string{"link", "direction"},
		),

		buffersOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ppp_buffer_bytes_outstanding",
				Help: "Buffer bytes allocated and not yet freed",
			},
		),

		bufferFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ppp_buffer_alloc_failures",
				Help: "Buffer allocations refused since start",
			},
		),
	}

	return m
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		// Link metrics
		m.framesIn,
		m.framesOut,
		m.bytesIn,
		m.bytesOut,
		m.framesDrop,
		m.linkPhase,
		m.sendErrors,
		m.loopbacks,
		m.framingErrs,
		// Automaton metrics
		m.transitions,
		m.timeouts,
		m.violations,
		// Protocol metrics
		m.subscribers,
		m.echoFailures,
		m.negotiatedMRU,
		// Buffer metrics
		m.buffersOutstanding,
		m.bufferFailures,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---
// All update methods accept a nil receiver so components can run without
// metrics in tests.

// RecordFrameIn records a frame delivered to a protocol layer.
func (m *Metrics) RecordFrameIn(link, protocol string, size int) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(link, protocol).Inc()
	m.bytesIn.WithLabelValues(link, protocol).Add(float64(size))
}

// RecordFrameOut records a frame handed to the framer.
func (m *Metrics) RecordFrameOut(link, protocol string, size int) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(link, protocol).Inc()
	m.bytesOut.WithLabelValues(link, protocol).Add(float64(size))
}

// RecordDrop records an inbound frame dropped before reaching a layer.
func (m *Metrics) RecordDrop(link, reason string) {
	if m == nil {
		return
	}
	m.framesDrop.WithLabelValues(link, reason).Inc()
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(link, protocol string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(link, protocol).Inc()
}

// SetPhase marks phase as the active phase of link.
func (m *Metrics) SetPhase(link, phase string) {
	if m == nil {
		return
	}
	for _, p := range phaseNames {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.linkPhase.WithLabelValues(link, p).Set(v)
	}
}

// RecordLoopback records a Configure-Request carrying our own magic number.
func (m *Metrics) RecordLoopback(link string) {
	if m == nil {
		return
	}
	m.loopbacks.WithLabelValues(link).Inc()
}

// RecordFramingError records a framer error (bad FCS, overrun, abort).
func (m *Metrics) RecordFramingError(kind string) {
	if m == nil {
		return
	}
	m.framingErrs.WithLabelValues(kind).Inc()
}

// RecordTransition records an automaton state change.
func (m *Metrics) RecordTransition(protocol, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(protocol, from, to).Inc()
}

// RecordTimeout records a restart timer expiry. kind is "retry" or "exhausted".
func (m *Metrics) RecordTimeout(protocol, kind string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(protocol, kind).Inc()
}

// RecordViolation records an automaton invariant violation.
func (m *Metrics) RecordViolation(protocol string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(protocol).Inc()
}

// SetSubscribers sets the count of open subscriptions for a protocol.
func (m *Metrics) SetSubscribers(protocol string, count int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(protocol).Set(float64(count))
}

// RecordEchoFailure records an unanswered keep-alive echo.
func (m *Metrics) RecordEchoFailure(link string) {
	if m == nil {
		return
	}
	m.echoFailures.WithLabelValues(link).Inc()
}

// SetMRU records the negotiated MRU. direction is "local" or "peer".
func (m *Metrics) SetMRU(link, direction string, mru int) {
	if m == nil {
		return
	}
	m.negotiatedMRU.WithLabelValues(link, direction).Set(float64(mru))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates metrics from the buffer allocator
func (m *Metrics) Collect() {
	if m.alloc == nil {
		return
	}
	stats := m.alloc.Stats()
	m.buffersOutstanding.Set(float64(stats.Outstanding))
	m.bufferFailures.Set(float64(stats.Failures))
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
