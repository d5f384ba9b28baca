package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline and scroll counters exported on /metrics.
type Metrics struct {
	batches         *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	pipelineSeconds prometheus.Histogram
	campaigns       *prometheus.CounterVec
	historyRequests prometheus.Counter
	autoScrolls     prometheus.Counter
	sendTimeouts    prometheus.Counter
	droppedEvents   prometheus.Counter
	rooms           prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "batches_total",
			Help:      "Message batches processed, by result (applied or stale).",
		}, []string{"result"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "decode_errors_total",
			Help:      "Batch elements dropped by the record decoder.",
		}),
		pipelineSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "talkroom",
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent decoding and reconciling one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "scroll_campaigns_total",
			Help:      "Scroll anchor campaigns, by outcome.",
		}, []string{"outcome"}),
		historyRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "history_requests_total",
			Help:      "reachTop signals sent to hosts.",
		}),
		autoScrolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "auto_scrolls_total",
			Help:      "Automatic jumps to the live edge.",
		}),
		sendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "send_timeouts_total",
			Help:      "Optimistic sends flipped to fail after timing out.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talkroom",
			Name:      "dropped_events_total",
			Help:      "Room events dropped because a subscriber fell behind.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "talkroom",
			Name:      "rooms_open",
			Help:      "Rooms currently open.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.batches,
			m.decodeErrors,
			m.pipelineSeconds,
			m.campaigns,
			m.historyRequests,
			m.autoScrolls,
			m.sendTimeouts,
			m.droppedEvents,
			m.rooms,
		)
	}
	return m
}

func (m *Metrics) observePipeline(d time.Duration) {
	m.pipelineSeconds.Observe(d.Seconds())
}
