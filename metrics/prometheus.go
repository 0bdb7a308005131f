package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink on top of github.com/prometheus/client_golang,
// lazily creating and registering one Vec per distinct metric name the first
// time it's observed. A given name is assumed to always be called with the
// same set of label keys — this mirrors every hand-rolled metrics struct in
// the example corpus (control.ControlMetrics, triggers.ProcessorMetrics),
// which likewise fix a CounterVec's label names once at construction; a name
// reused with a different label-key set panics, the same as constructing two
// conflicting prometheus.CounterVecs with the same name would.
type PrometheusSink struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusSink builds a Sink that registers every metric it creates
// with reg. Pass prometheus.DefaultRegisterer for process-wide metrics (the
// cmd/mqttproxy binary's normal use), or prometheus.NewRegistry() to keep a
// test's metrics isolated.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = labels[k]
	}
	return keys, vals
}

func (s *PrometheusSink) IncCounter(name string, labels map[string]string) {
	keys, vals := labelKeys(labels)
	s.mu.Lock()
	cv, ok := s.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttpipe",
			Name:      name,
			Help:      name,
		}, keys)
		s.reg.MustRegister(cv)
		s.counters[name] = cv
	}
	s.mu.Unlock()
	cv.WithLabelValues(vals...).Inc()
}

func (s *PrometheusSink) SetGauge(name string, labels map[string]string, value float64) {
	keys, vals := labelKeys(labels)
	s.mu.Lock()
	gv, ok := s.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mqttpipe",
			Name:      name,
			Help:      name,
		}, keys)
		s.reg.MustRegister(gv)
		s.gauges[name] = gv
	}
	s.mu.Unlock()
	gv.WithLabelValues(vals...).Set(value)
}

func (s *PrometheusSink) ObserveHistogram(name string, labels map[string]string, value float64) {
	keys, vals := labelKeys(labels)
	s.mu.Lock()
	hv, ok := s.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mqttpipe",
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		s.reg.MustRegister(hv)
		s.histograms[name] = hv
	}
	s.mu.Unlock()
	hv.WithLabelValues(vals...).Observe(value)
}
