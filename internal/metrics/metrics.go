// Package metrics is a tiny instrumentation facade. Core ingest code records
// counters and histograms against an exported Backend; the process wires a
// concrete backend (or none) at startup.
//
// The default backend discards everything, so instrumented code needs no
// nil-checks and tests need no setup.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are the tag set attached to one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for concurrent
// use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Nil restores the
// discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush drains the current backend's buffer, when it has one.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordRecords counts records committed for a dataset.
func RecordRecords(dataset string, n int64) {
	IncCounter("ingest_records_total", float64(n), Labels{"dataset": dataset})
}

// RecordBatch counts one batch commit attempt and its duration.
func RecordBatch(dataset, status string, d time.Duration) {
	l := Labels{"dataset": dataset, "status": status}
	IncCounter("ingest_batches_total", 1, l)
	ObserveHistogram("ingest_batch_commit_seconds", d.Seconds(), l)
}

// RecordPhase records the wall-clock duration of one orchestrator phase.
func RecordPhase(phase, status string, d time.Duration) {
	ObserveHistogram("ingest_phase_duration_seconds", d.Seconds(), Labels{"phase": phase, "status": status})
}

// RecordHTTP records one download attempt: status class, duration and bytes.
func RecordHTTP(dataset string, status int, err error, d time.Duration, size int64) {
	statusLabel := strconv.Itoa(status)
	if err != nil && status == 0 {
		statusLabel = "error"
	}
	l := Labels{"dataset": dataset, "status": statusLabel}
	IncCounter("ingest_http_requests_total", 1, l)
	ObserveHistogram("ingest_http_request_duration_seconds", d.Seconds(), l)
	if size > 0 {
		IncCounter("ingest_http_download_bytes_total", float64(size), Labels{"dataset": dataset})
	}
}
