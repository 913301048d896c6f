// Package metrics is a process-wide facade over a pluggable metrics backend.
//
// Core code calls the helpers below; the CLI decides which backend (if any)
// receives them. The default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names understood by the backends.
const (
	RecordsTotal    = "xmlflat_records_total"         // labels: kind (record type)
	BatchesTotal    = "xmlflat_batches_total"         // labels: worker
	StepTotal       = "xmlflat_step_total"            // labels: step, status
	StepDuration    = "xmlflat_step_duration_seconds" // labels: step, status
	ErrorsTotal     = "xmlflat_errors_total"          // labels: kind (malformed, unresolved_tag, sink, other)
	RowsLoadedTotal = "xmlflat_rows_loaded_total"     // labels: table
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

type flusher interface {
	Flush() error
}

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b as the process-wide backend. Nil restores the nop
// backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nop{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the backend if it buffers.
func Flush() error {
	if f, ok := current().(flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards to the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// AddRecords counts n emitted records of one record type.
func AddRecords(kind string, n int) {
	if n > 0 {
		IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
	}
}

// IncBatch counts one processed batch.
func IncBatch(worker string) {
	IncCounter(BatchesTotal, 1, Labels{"worker": worker})
}

// IncError counts one failure of the given kind.
func IncError(kind string) {
	IncCounter(ErrorsTotal, 1, Labels{"kind": kind})
}

// AddRowsLoaded counts rows inserted into a table.
func AddRowsLoaded(table string, n int64) {
	if n > 0 {
		IncCounter(RowsLoadedTotal, float64(n), Labels{"table": table})
	}
}

// RecordStep counts a step outcome and observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDuration, d.Seconds(), l)
}
