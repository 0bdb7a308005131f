// Package metrics defines the lightweight counters/gauges/histograms
// interface the pipeline and codec layers report health through, plus a
// Prometheus-backed implementation of it. Core packages (channel, mqtt)
// depend only on the Sink interface, so a caller that doesn't want
// Prometheus can implement Sink against any other backend without
// touching core code, and a caller that wants no metrics at all can pass
// a nil Sink everywhere — every call site in this module checks for nil
// before calling out, the same "nil logger is silent" convention the
// teacher uses for its own optional logger dependency.
package metrics

// Sink receives named, labeled measurements from the pipeline and codec
// layers. Implementations decide how (or whether) a given name/label
// combination is aggregated or exported; callers are not expected to
// pre-register anything.
type Sink interface {
	// IncCounter increments the named monotonic counter by one.
	IncCounter(name string, labels map[string]string)
	// SetGauge sets the named gauge to value.
	SetGauge(name string, labels map[string]string, value float64)
	// ObserveHistogram records one observation of value against the named
	// histogram.
	ObserveHistogram(name string, labels map[string]string, value float64)
}
