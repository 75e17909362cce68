package scanner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsStarted   prometheus.Counter
	sessionsFinished  *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	ticks             prometheus.Counter
	tickDuration      prometheus.Histogram
	recognizeCalls    *prometheus.CounterVec
	recognizeDuration prometheus.Histogram
	emptyRegions      prometheus.Counter
	framesRejected    prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "counterscan_sessions_started_total",
			Help: "Total scan sessions started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "counterscan_sessions_finished_total",
			Help: "Total scan sessions finished by result kind.",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "counterscan_sessions_active",
			Help: "Scan sessions currently running.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "counterscan_ticks_total",
			Help: "Total scan ticks executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "counterscan_tick_duration_seconds",
			Help:    "Histogram of scan tick durations.",
			Buckets: prometheus.DefBuckets,
		}),
		recognizeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "counterscan_recognize_calls_total",
			Help: "Total recognizer calls by outcome.",
		}, []string{"outcome"}),
		recognizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "counterscan_recognize_duration_seconds",
			Help:    "Histogram of recognizer call durations.",
			Buckets: prometheus.DefBuckets,
		}),
		emptyRegions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "counterscan_empty_regions_total",
			Help: "Regions skipped because they clipped to zero area.",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "counterscan_frames_rejected_total",
			Help: "Frames rejected by the frame buffer.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionsStarted,
			m.sessionsFinished,
			m.activeSessions,
			m.ticks,
			m.tickDuration,
			m.recognizeCalls,
			m.recognizeDuration,
			m.emptyRegions,
			m.framesRejected,
		)
	}

	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionFinished(kind ResultKind) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(string(kind)).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) tick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) recognize(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.recognizeCalls.WithLabelValues(outcome).Inc()
	m.recognizeDuration.Observe(d.Seconds())
}

func (m *Metrics) emptyRegion() {
	if m == nil {
		return
	}
	m.emptyRegions.Inc()
}

func (m *Metrics) frameRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}
