package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Enqueued     *prometheus.CounterVec
	Outcomes     *prometheus.CounterVec
	Pending      *prometheus.GaugeVec
	Workers      prometheus.Gauge
	QueueLatency prometheus.Histogram
	ThrottleWait *prometheus.HistogramVec
	SendDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freegamesbot_delivery_enqueued_total",
			Help: "Messages accepted by the dispatcher",
		}, []string{"queue"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freegamesbot_delivery_outcomes_total",
			Help: "Processed messages by outcome",
		}, []string{"queue", "outcome"}),
		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "freegamesbot_delivery_pending",
			Help: "Messages waiting in queues",
		}, []string{"queue"}),
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "freegamesbot_delivery_workers",
			Help: "Running queue workers (recipient and broadcast)",
		}),
		QueueLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "freegamesbot_delivery_queue_latency_seconds",
			Help:    "Time from enqueue to send attempt",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		}),
		ThrottleWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freegamesbot_delivery_throttle_wait_seconds",
			Help:    "Time spent waiting on a rate limit",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"limiter"}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "freegamesbot_delivery_send_duration_seconds",
			Help:    "Duration of provider send calls",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func queueLabel(broadcast bool) string {
	if broadcast {
		return "broadcast"
	}
	return "direct"
}

func (m *Metrics) enqueued(broadcast bool) {
	if m == nil {
		return
	}
	q := queueLabel(broadcast)
	m.Enqueued.WithLabelValues(q).Inc()
	m.Pending.WithLabelValues(q).Inc()
}

func (m *Metrics) dequeued(e envelope) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(queueLabel(e.broadcast)).Dec()
	m.QueueLatency.Observe(time.Since(e.enqueuedAt).Seconds())
}

func (m *Metrics) dropped(broadcast bool, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Pending.WithLabelValues(queueLabel(broadcast)).Sub(float64(n))
}

func (m *Metrics) outcome(broadcast bool, o Outcome) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(queueLabel(broadcast), o.String()).Inc()
}

func (m *Metrics) throttled(limiter string, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.ThrottleWait.WithLabelValues(limiter).Observe(d.Seconds())
}

func (m *Metrics) sent(d time.Duration) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(d.Seconds())
}

func (m *Metrics) worker(delta float64) {
	if m == nil {
		return
	}
	m.Workers.Add(delta)
}
