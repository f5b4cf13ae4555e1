package printfleet

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for the whole fleet
type Metrics struct {
	// Command counters
	CommandsSent  atomic.Uint64 // Raw commands passed through SendGcode
	CommandErrors atomic.Uint64 // SendGcode commands issued against a closed device

	// Monitor counters
	Polls      atomic.Uint64 // Poll commands written by monitor runners
	PollErrors atomic.Uint64 // Polls that hit a dead port

	// Upload counters
	UploadLines   atomic.Uint64 // Checksummed lines streamed to SD cards
	UploadBytes   atomic.Uint64 // Bytes streamed to SD cards
	Uploads       atomic.Uint64 // Completed SD uploads
	UploadErrors  atomic.Uint64 // Failed SD uploads

	// Job lifecycle
	Cancels     atomic.Uint64 // Cancel sequences run
	Disconnects atomic.Uint64 // Monitors lost to a dead port

	// Performance tracking
	CommandLatencyNs atomic.Uint64 // Cumulative command round-trip latency
	UploadLatencyNs  atomic.Uint64 // Cumulative upload wall time

	// Fleet lifecycle
	StartTime atomic.Int64 // Fleet start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one command round trip
func (m *Metrics) RecordCommand(latencyNs uint64, success bool) {
	m.CommandsSent.Add(1)
	m.CommandLatencyNs.Add(latencyNs)
	if !success {
		m.CommandErrors.Add(1)
	}
}

// RecordPoll records one monitor poll
func (m *Metrics) RecordPoll(success bool) {
	m.Polls.Add(1)
	if !success {
		m.PollErrors.Add(1)
	}
}

// RecordUploadLine records one streamed SD line
func (m *Metrics) RecordUploadLine(bytes uint64) {
	m.UploadLines.Add(1)
	m.UploadBytes.Add(bytes)
}

// RecordUpload records a finished SD upload
func (m *Metrics) RecordUpload(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.Uploads.Add(1)
		m.UploadLatencyNs.Add(latencyNs)
	} else {
		m.UploadErrors.Add(1)
	}
}

// RecordCancel records one cancel sequence
func (m *Metrics) RecordCancel() {
	m.Cancels.Add(1)
}

// RecordDisconnect records one lost printer
func (m *Metrics) RecordDisconnect() {
	m.Disconnects.Add(1)
}

// MetricsSnapshot is a point-in-time copy of the counters with a few
// derived statistics
type MetricsSnapshot struct {
	CommandsSent  uint64
	CommandErrors uint64
	Polls         uint64
	PollErrors    uint64
	UploadLines   uint64
	UploadBytes   uint64
	Uploads       uint64
	UploadErrors  uint64
	Cancels       uint64
	Disconnects   uint64

	AvgCommandLatencyNs uint64
	UptimeNs            uint64
	UploadBandwidth     float64 // Bytes per second of upload wall time
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsSent:  m.CommandsSent.Load(),
		CommandErrors: m.CommandErrors.Load(),
		Polls:         m.Polls.Load(),
		PollErrors:    m.PollErrors.Load(),
		UploadLines:   m.UploadLines.Load(),
		UploadBytes:   m.UploadBytes.Load(),
		Uploads:       m.Uploads.Load(),
		UploadErrors:  m.UploadErrors.Load(),
		Cancels:       m.Cancels.Load(),
		Disconnects:   m.Disconnects.Load(),
	}

	if snap.CommandsSent > 0 {
		snap.AvgCommandLatencyNs = m.CommandLatencyNs.Load() / snap.CommandsSent
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	if lat := m.UploadLatencyNs.Load(); lat > 0 {
		snap.UploadBandwidth = float64(snap.UploadBytes) / (float64(lat) / 1e9)
	}

	return snap
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.CommandsSent.Store(0)
	m.CommandErrors.Store(0)
	m.Polls.Store(0)
	m.PollErrors.Store(0)
	m.UploadLines.Store(0)
	m.UploadBytes.Store(0)
	m.Uploads.Store(0)
	m.UploadErrors.Store(0)
	m.Cancels.Store(0)
	m.Disconnects.Store(0)
	m.CommandLatencyNs.Store(0)
	m.UploadLatencyNs.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	ObserveCommand(latencyNs uint64, success bool)
	ObservePoll(success bool)
	ObserveUpload(bytes uint64, latencyNs uint64, success bool)
	ObserveUploadLine(bytes uint64)
	ObserveCancel()
	ObserveDisconnect()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint64, bool)        {}
func (NoOpObserver) ObservePoll(bool)                   {}
func (NoOpObserver) ObserveUpload(uint64, uint64, bool) {}
func (NoOpObserver) ObserveUploadLine(uint64)           {}
func (NoOpObserver) ObserveCancel()                     {}
func (NoOpObserver) ObserveDisconnect()                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(latencyNs uint64, success bool) {
	o.metrics.RecordCommand(latencyNs, success)
}

func (o *MetricsObserver) ObservePoll(success bool) {
	o.metrics.RecordPoll(success)
}

func (o *MetricsObserver) ObserveUpload(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordUpload(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveUploadLine(bytes uint64) {
	o.metrics.RecordUploadLine(bytes)
}

func (o *MetricsObserver) ObserveCancel() {
	o.metrics.RecordCancel()
}

func (o *MetricsObserver) ObserveDisconnect() {
	o.metrics.RecordDisconnect()
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
