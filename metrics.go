package iscsi

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one target.
// No export format is mandated; this just gives operators something to
// read and tests something to assert on.
type Metrics struct {
	// PDU counters
	PDUsReceived atomic.Uint64
	PDUsSent     atomic.Uint64

	// Command lifecycle counters
	CommandsReceived atomic.Uint64
	CommandsAborted  atomic.Uint64
	PrelimCompleted  atomic.Uint64

	// R2T flow control
	R2TsIssued   atomic.Uint64
	DataOutBytes atomic.Uint64
	DataInBytes  atomic.Uint64

	// Task management
	TMRequests atomic.Uint64
	TMRejected atomic.Uint64

	// Error counters
	DigestErrors    atomic.Uint64
	ProtocolErrors  atomic.Uint64
	RejectsSent     atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // cumulative command latency (RX to response sent)
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of commands with latency <= LatencyBuckets[i].
	LatencyHist [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPDURx counts one received PDU.
func (m *Metrics) RecordPDURx() { m.PDUsReceived.Add(1) }

// RecordPDUTx counts one transmitted PDU.
func (m *Metrics) RecordPDUTx() { m.PDUsSent.Add(1) }

// RecordCommand records a completed command's end-to-end latency.
func (m *Metrics) RecordCommand(latencyNs uint64) {
	m.CommandsReceived.Add(1)
	m.recordLatency(latencyNs)
}

// RecordR2T counts one issued R2T.
func (m *Metrics) RecordR2T() { m.R2TsIssued.Add(1) }

// RecordDataOut accounts bytes received via Data-Out PDUs.
func (m *Metrics) RecordDataOut(n uint64) { m.DataOutBytes.Add(n) }

// RecordDataIn accounts bytes sent via Data-In PDUs.
func (m *Metrics) RecordDataIn(n uint64) { m.DataInBytes.Add(n) }

// RecordTM counts a dispatched task management request, and whether it
// was rejected outright.
func (m *Metrics) RecordTM(rejected bool) {
	m.TMRequests.Add(1)
	if rejected {
		m.TMRejected.Add(1)
	}
}

// RecordDigestError counts one header or data digest mismatch.
func (m *Metrics) RecordDigestError() { m.DigestErrors.Add(1) }

// RecordProtocolError counts one malformed-PDU/protocol-violation event.
func (m *Metrics) RecordProtocolError() { m.ProtocolErrors.Add(1) }

// RecordReject counts one REJECT PDU sent to the initiator.
func (m *Metrics) RecordReject() { m.RejectsSent.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Stop marks the target as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	PDUsReceived uint64
	PDUsSent     uint64

	CommandsReceived uint64
	CommandsAborted  uint64
	PrelimCompleted  uint64

	R2TsIssued   uint64
	DataOutBytes uint64
	DataInBytes  uint64

	TMRequests uint64
	TMRejected uint64

	DigestErrors   uint64
	ProtocolErrors uint64
	RejectsSent    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PDUsReceived:     m.PDUsReceived.Load(),
		PDUsSent:         m.PDUsSent.Load(),
		CommandsReceived: m.CommandsReceived.Load(),
		CommandsAborted:  m.CommandsAborted.Load(),
		PrelimCompleted:  m.PrelimCompleted.Load(),
		R2TsIssued:       m.R2TsIssued.Load(),
		DataOutBytes:     m.DataOutBytes.Load(),
		DataInBytes:      m.DataInBytes.Load(),
		TMRequests:       m.TMRequests.Load(),
		TMRejected:       m.TMRejected.Load(),
		DigestErrors:     m.DigestErrors.Load(),
		ProtocolErrors:   m.ProtocolErrors.Load(),
		RejectsSent:      m.RejectsSent.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, mirroring the shape a
// caller would wire into a Prometheus/expvar exporter.
type Observer interface {
	ObservePDURx()
	ObservePDUTx()
	ObserveCommand(latencyNs uint64)
	ObserveR2T()
	ObserveTM(rejected bool)
	ObserveDigestError()
	ObserveProtocolError()
	ObserveDataOut(bytes uint64)
	ObserveDataIn(bytes uint64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObservePDURx()         {}
func (NoOpObserver) ObservePDUTx()         {}
func (NoOpObserver) ObserveCommand(uint64) {}
func (NoOpObserver) ObserveR2T()           {}
func (NoOpObserver) ObserveTM(bool)        {}
func (NoOpObserver) ObserveDigestError()   {}
func (NoOpObserver) ObserveProtocolError() {}
func (NoOpObserver) ObserveDataOut(uint64) {}
func (NoOpObserver) ObserveDataIn(uint64)  {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePDURx()            { o.metrics.RecordPDURx() }
func (o *MetricsObserver) ObservePDUTx()            { o.metrics.RecordPDUTx() }
func (o *MetricsObserver) ObserveCommand(ns uint64) { o.metrics.RecordCommand(ns) }
func (o *MetricsObserver) ObserveR2T()              { o.metrics.RecordR2T() }
func (o *MetricsObserver) ObserveTM(rejected bool)  { o.metrics.RecordTM(rejected) }
func (o *MetricsObserver) ObserveDigestError()      { o.metrics.RecordDigestError() }
func (o *MetricsObserver) ObserveProtocolError()    { o.metrics.RecordProtocolError() }
func (o *MetricsObserver) ObserveDataOut(n uint64)  { o.metrics.RecordDataOut(n) }
func (o *MetricsObserver) ObserveDataIn(n uint64)   { o.metrics.RecordDataIn(n) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
