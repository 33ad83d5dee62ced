package quarry

import "sync/atomic"

// MetricID indexes one counter in the session metrics table.
type MetricID uint16

const (
	// MetricSessionOpened counts sessions that reached a usable state.
	MetricSessionOpened MetricID = iota
	// MetricSessionClosed counts session terminations of any cause.
	MetricSessionClosed
	// MetricAuthSuccess counts completed credential exchanges.
	MetricAuthSuccess
	// MetricAuthFailure counts backend-rejected credential steps.
	MetricAuthFailure
	// MetricAuthTimeout counts sessions terminated by the idle timer.
	MetricAuthTimeout
	// MetricCallIssued counts commands handed to the transport.
	MetricCallIssued
	// MetricReplyMatched counts inbound replies resolved against a pending call.
	MetricReplyMatched
	// MetricReplyUnmatched counts inbound replies with no pending call.
	MetricReplyUnmatched
	// MetricFrameDropped counts inbound frames discarded as undecodable.
	MetricFrameDropped
	// MetricFetchBatch counts row batches delivered to statement owners.
	MetricFetchBatch
	// MetricFetchError counts fetch loops terminated by an error reply.
	MetricFetchError
	// MetricEventRouted counts notifications delivered to a subscriber.
	MetricEventRouted
	// MetricEventDropped counts notifications with no matching subscriber.
	MetricEventDropped
	// MetricStatementRegistered counts statement handles entering the registry.
	MetricStatementRegistered
	// MetricStatementRemoved counts statement handles leaving the registry.
	MetricStatementRemoved
	// MetricOwnerCleanup counts liveness-triggered registry sweeps.
	MetricOwnerCleanup
	// MetricTokenCacheHit counts authentications resumed from the token cache.
	MetricTokenCacheHit
	// MetricTokenCacheMiss counts token cache lookups that found nothing usable.
	MetricTokenCacheMiss
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed table of atomic counters shared by all sessions of one
// Dialer. The zero value is not usable; construct with newMetrics.
type Metrics struct {
	counters [metricIDCount]paddedCounter
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return snap
}
