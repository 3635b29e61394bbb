package authchain

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts committed logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins where every strategy failed.
	MetricLoginFailure
	// MetricStrategyAttempt counts individual strategy login attempts.
	MetricStrategyAttempt
	// MetricStrategyError counts strategy calls that errored, panicked or timed out.
	MetricStrategyError
	// MetricLogout counts logouts.
	MetricLogout
	// MetricRegisterSuccess counts successful registrations.
	MetricRegisterSuccess
	// MetricRegisterFailure counts failed registrations.
	MetricRegisterFailure
	// MetricMFARequired counts logins held for a second factor.
	MetricMFARequired
	// MetricMFASuccess counts verified second-factor codes.
	MetricMFASuccess
	// MetricMFAFailure counts rejected second-factor codes.
	MetricMFAFailure
	// MetricMFAInvalidFormat counts codes rejected by the local format check.
	MetricMFAInvalidFormat
	// MetricMFACodeSent counts delivered SMS and email codes.
	MetricMFACodeSent
	// MetricMFACooldownHit counts resend attempts refused by the cooldown.
	MetricMFACooldownHit
	// MetricMFADuplicateDropped counts verifications dropped because one was in flight.
	MetricMFADuplicateDropped
	// MetricMFAAbandoned counts pending logins rolled back.
	MetricMFAAbandoned
	// MetricEnrollmentComplete counts finished enrollments.
	MetricEnrollmentComplete
	// MetricBackupCodeUsed counts consumed backup codes.
	MetricBackupCodeUsed
	// MetricBackupCodeFailed counts rejected backup codes.
	MetricBackupCodeFailed
	// MetricBackupCodeRegenerated counts whole-set regenerations.
	MetricBackupCodeRegenerated
	// MetricTrustIssued counts minted trust tokens.
	MetricTrustIssued
	// MetricTrustBypass counts logins that skipped MFA on a trusted device.
	MetricTrustBypass
	// MetricTrustExpired counts trust tokens purged on expiry.
	MetricTrustExpired
	// MetricTrustRevoked counts removed trusted devices.
	MetricTrustRevoked
	// MetricLoginLatency is the login duration histogram.
	MetricLoginLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters and one latency histogram.
// A nil or disabled Metrics ignores every update.
type Metrics struct {
	enabled    bool
	counters   [metricIDCount]paddedCounter
	histograms [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters gated by cfg.Enabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only MetricLoginLatency has one.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || id != MetricLoginLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricLoginLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	buckets := make([]uint64, histBucketCount)
	for i := 0; i < histBucketCount; i++ {
		buckets[i] = atomic.LoadUint64(&m.histograms[MetricLoginLatency].buckets[i])
	}
	s.Histograms[MetricLoginLatency] = buckets

	return s
}

// upper bounds in ms: 10, 50, 100, 250, 500, 1000, 5000, +Inf
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 10:
		return 0
	case ms <= 50:
		return 1
	case ms <= 100:
		return 2
	case ms <= 250:
		return 3
	case ms <= 500:
		return 4
	case ms <= 1000:
		return 5
	case ms <= 5000:
		return 6
	default:
		return 7
	}
}
