// Package metrics provides simple metrics collection for connpool.
// Supports Prometheus exposition format for monitoring integration.
//
// Metrics live in a Registry. Each pool can own its registry so several pools
// in one process never share counters; the package-level constructors use a
// process-wide default registry for convenience.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultLatencyBuckets are histogram buckets in seconds suited to checkout
// waits and connection hold times.
var DefaultLatencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// metric is implemented by every metric type.
type metric interface {
	metricName() string
	writeTo(w io.Writer)
}

func writeHeader(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Uint64
	name  string
	help  string
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) metricName() string { return c.name }

func (c *Counter) writeTo(w io.Writer) {
	writeHeader(w, c.name, c.help, "counter")
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value atomic.Int64
	name  string
	help  string
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v, which may be negative, to the gauge.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) writeTo(w io.Writer) {
	writeHeader(w, g.name, g.help, "gauge")
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu sync.Mutex

	// counts[i] holds observations in (buckets[i-1], buckets[i]]; the last
	// slot holds observations above every bucket.
	counts []uint64
	sum    float64
	count  uint64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) writeTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writeHeader(w, h.name, h.help, "histogram")
	var cumulative uint64
	for i, b := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

// Registry holds registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// register adds m, replacing any metric with the same name.
func (r *Registry) register(m metric) {
	r.mu.Lock()
	r.metrics[m.metricName()] = m
	r.mu.Unlock()
}

// NewCounter creates a counter registered with r.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.register(c)
	return c
}

// NewGauge creates a gauge registered with r.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(g)
	return g
}

// NewHistogram creates a histogram registered with r. The buckets are
// copied and sorted.
func (r *Registry) NewHistogram(name, help string, buckets []float64) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	h := &Histogram{
		name:    name,
		help:    help,
		buckets: b,
		counts:  make([]uint64, len(b)+1),
	}
	r.register(h)
	return h
}

// Len returns the number of registered metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics)
}

// WriteTo writes every metric in Prometheus text format, sorted by name.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	ms := make([]metric, len(names))
	for i, name := range names {
		ms[i] = r.metrics[name]
	}
	r.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}
	for _, m := range ms {
		m.writeTo(cw)
		io.WriteString(cw, "\n")
	}
	if err := cw.w.Flush(); err != nil && cw.err == nil {
		cw.err = err
	}
	return cw.n, cw.err
}

// Expose returns all metrics in Prometheus text format.
func (r *Registry) Expose() string {
	var sb strings.Builder
	r.WriteTo(&sb)
	return sb.String()
}

// Handler returns an http.Handler that exposes the metrics in r.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if _, err := r.WriteTo(w); err != nil {
			log.WithError(err).Debug("writing metrics response")
		}
	})
}

// countingWriter remembers the first error so metric writers can ignore it.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

// NewCounter creates a counter in the default registry.
func NewCounter(name, help string) *Counter {
	return defaultRegistry.NewCounter(name, help)
}

// NewGauge creates a gauge in the default registry.
func NewGauge(name, help string) *Gauge {
	return defaultRegistry.NewGauge(name, help)
}

// NewHistogram creates a histogram in the default registry.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return defaultRegistry.NewHistogram(name, help, buckets)
}

// Handler returns an http.Handler that exposes the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}
