package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InboundMetrics records observations for the inbound validation pipeline.
type InboundMetrics struct {
	deviceLookup     prometheus.Histogram
	assignmentLookup prometheus.Histogram
	routed           *prometheus.CounterVec
	failures         *prometheus.CounterVec
	batches          prometheus.Counter
}

// Outcome labels for routed events.
const (
	OutcomeValid        = "valid"
	OutcomeUnregistered = "unregistered"
	OutcomeUnassigned   = "unassigned"
)

// Stage labels for validation failures.
const (
	StageDeviceLookup     = "device_lookup"
	StageAssignmentLookup = "assignment_lookup"
	StageRouting          = "routing"
)

// NewInboundMetrics registers the inbound metrics on the provided registerer.
func NewInboundMetrics(reg prometheus.Registerer) *InboundMetrics {
	if reg == nil {
		return &InboundMetrics{}
	}
	deviceLookup := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inbound_device_lookup_seconds",
		Help:    "Duration of device lookups for inbound events.",
		Buckets: prometheus.DefBuckets,
	})
	assignmentLookup := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inbound_assignment_lookup_seconds",
		Help:    "Duration of assignment lookups for inbound events.",
		Buckets: prometheus.DefBuckets,
	})
	routed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_events_routed_total",
		Help: "Inbound events routed, by validation outcome.",
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_validation_failures_total",
		Help: "Inbound validation tasks abandoned, by stage.",
	}, []string{"stage"})
	batches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbound_batches_received_total",
		Help: "Decoded event batches submitted for processing.",
	})
	reg.MustRegister(deviceLookup, assignmentLookup, routed, failures, batches)
	return &InboundMetrics{
		deviceLookup:     deviceLookup,
		assignmentLookup: assignmentLookup,
		routed:           routed,
		failures:         failures,
		batches:          batches,
	}
}

// Timer is a handle for a single timed observation. Close records the
// elapsed duration exactly once; further calls are no-ops.
type Timer struct {
	start   time.Time
	observe func(float64)
	once    sync.Once
}

// Close records the elapsed time since the timer started.
func (t *Timer) Close() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.observe != nil {
			t.observe(time.Since(t.start).Seconds())
		}
	})
}

func (m *InboundMetrics) startTimer(hist prometheus.Histogram) *Timer {
	timer := &Timer{start: time.Now()}
	if m != nil && hist != nil {
		timer.observe = hist.Observe
	}
	return timer
}

// StartDeviceLookupTimer begins timing a device lookup.
func (m *InboundMetrics) StartDeviceLookupTimer() *Timer {
	if m == nil {
		return &Timer{}
	}
	return m.startTimer(m.deviceLookup)
}

// StartAssignmentLookupTimer begins timing an assignment lookup.
func (m *InboundMetrics) StartAssignmentLookupTimer() *Timer {
	if m == nil {
		return &Timer{}
	}
	return m.startTimer(m.assignmentLookup)
}

// IncRouted increments the routed counter for the given outcome.
func (m *InboundMetrics) IncRouted(outcome string) {
	if m == nil || m.routed == nil {
		return
	}
	m.routed.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncFailure increments the failure counter for the given stage.
func (m *InboundMetrics) IncFailure(stage string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncBatch increments the received batch counter.
func (m *InboundMetrics) IncBatch() {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
