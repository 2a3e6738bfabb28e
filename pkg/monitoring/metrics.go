package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/openrag/openrag-go/pkg/api"
)

const namespace = "openrag"

// Outcome labels of a fetch.
const (
	OutcomeOk           = "ok"
	OutcomeNotConnected = "not_connected"
	OutcomeSecurity     = "blocked"
	OutcomeNoPeers      = "no_peers"
	OutcomeTimeout      = "timeout"
	OutcomeTunnel       = "tunnel"
	OutcomeRemote       = "remote"
	OutcomeConnection   = "connection"
	OutcomeCanceled     = "canceled"
	OutcomeOther        = "other"
)

// Metrics are the client collectors. They live in their own registry
// so that several clients in one process don't clash.
type Metrics struct {
	Registry *prometheus.Registry

	fetches  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	control  *prometheus.CounterVec
	phases   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Fetches by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time from the peer request to the settled fetch.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_inflight",
			Help:      "Fetches not settled yet.",
		}),
		control: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_state_changes_total",
			Help:      "Control channel state changes.",
		}, []string{"state"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_phase_total",
			Help:      "Session phases entered.",
		}, []string{"phase"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Inbound control events thrown away.",
		}, []string{"event"}),
	}
	m.Registry.MustRegister(
		m.fetches, m.duration, m.inflight, m.control, m.phases, m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome maps an error onto its label.
func Outcome(err error) string {
	switch api.KindOf(err) {
	case nil:
		if err != nil {
			return OutcomeOther
		}
		return OutcomeOk
	case api.ErrNotConnected:
		return OutcomeNotConnected
	case api.ErrSecurity:
		return OutcomeSecurity
	case api.ErrNoPeers:
		return OutcomeNoPeers
	case api.ErrTimeout:
		return OutcomeTimeout
	case api.ErrTunnel:
		return OutcomeTunnel
	case api.ErrRemote:
		return OutcomeRemote
	case api.ErrConnection:
		return OutcomeConnection
	default:
		return OutcomeOther
	}
}

// FetchStarted counts a fetch in and returns the func that counts it out.
func (m *Metrics) FetchStarted() func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.inflight.Inc()
	return func(err error) {
		m.inflight.Dec()
		m.FetchDone(err, time.Since(start))
	}
}

func (m *Metrics) FetchDone(err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	m.fetches.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(took.Seconds())
}

// FetchCanceled counts a fetch the caller stopped waiting for.
func (m *Metrics) FetchCanceled() {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(OutcomeCanceled).Inc()
}

func (m *Metrics) ControlState(state string) {
	if m == nil {
		return
	}
	m.control.WithLabelValues(state).Inc()
}

func (m *Metrics) SessionPhase(phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(phase).Inc()
}

func (m *Metrics) Dropped(event string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(event).Inc()
}
