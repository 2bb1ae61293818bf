package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const _namespace = "packetflow"

type vecKey struct {
	name   string
	labels string
}

type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[vecKey]*prometheus.CounterVec
	gauges     map[vecKey]*prometheus.GaugeVec
	histograms map[vecKey]*prometheus.HistogramVec
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[vecKey]*prometheus.CounterVec),
		gauges:     make(map[vecKey]*prometheus.GaugeVec),
		histograms: make(map[vecKey]*prometheus.HistogramVec),
	}
}

// Registry returns the prometheus registry all metrics are registered on.
func Registry() *prometheus.Registry {
	return _registry.reg
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry.reg, promhttp.HandlerOpts{})
}

// IncrCounterWithGroup adds v to the counter group_name.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group_name labelled by dim.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	names, values := splitDim(dim)
	c := _registry.counter(group, name, names)
	if c == nil {
		return
	}
	c.WithLabelValues(values...).Add(float64(v))
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	g := _registry.gauge(group, name, nil)
	if g == nil {
		return
	}
	g.WithLabelValues().Set(float64(v))
}

// AddGaugeWithGroup moves the gauge group_name by v.
func AddGaugeWithGroup(group, name string, v Value) {
	g := _registry.gauge(group, name, nil)
	if g == nil {
		return
	}
	g.WithLabelValues().Add(float64(v))
}

// ObserveWithGroup records v in the histogram group_name.
func ObserveWithGroup(group, name string, v Value) {
	h := _registry.histogram(group, name, nil)
	if h == nil {
		return
	}
	h.WithLabelValues().Observe(float64(v))
}

func splitDim(dim Dimension) (names, values []string) {
	if len(dim) == 0 {
		return nil, nil
	}
	names = make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	values = make([]string, len(names))
	for i, k := range names {
		values[i] = dim[k]
	}
	return names, values
}

func (r *registry) counter(group, name string, labels []string) *prometheus.CounterVec {
	key := vecKey{name: group + "_" + name, labels: strings.Join(labels, ",")}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: _namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, labels)
	if err := r.reg.Register(c); err != nil {
		return nil
	}
	r.counters[key] = c
	return c
}

func (r *registry) gauge(group, name string, labels []string) *prometheus.GaugeVec {
	key := vecKey{name: group + "_" + name, labels: strings.Join(labels, ",")}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: _namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, labels)
	if err := r.reg.Register(g); err != nil {
		return nil
	}
	r.gauges[key] = g
	return g
}

func (r *registry) histogram(group, name string, labels []string) *prometheus.HistogramVec {
	key := vecKey{name: group + "_" + name, labels: strings.Join(labels, ",")}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: _namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	}, labels)
	if err := r.reg.Register(h); err != nil {
		return nil
	}
	r.histograms[key] = h
	return h
}
