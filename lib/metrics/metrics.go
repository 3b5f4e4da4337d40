// Package metrics provides the controller counters and gauges in Prometheus
// exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value uint64
	name  string
	help  string
}

// NewCounter creates a counter registered in the default registry.
func NewCounter(name, help string) *Counter {
	return Default.NewCounter(name, help)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	atomic.AddUint64(&c.value, v)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) metricName() string { return c.name }

func (c *Counter) write(sb *strings.Builder) {
	writeHeader(sb, c.name, c.help, "counter")
	fmt.Fprintf(sb, "%s %d\n", c.name, c.Value())
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value int64
	name  string
	help  string
}

// NewGauge creates a gauge registered in the default registry.
func NewGauge(name, help string) *Gauge {
	return Default.NewGauge(name, help)
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) write(sb *strings.Builder) {
	writeHeader(sb, g.name, g.help, "gauge")
	fmt.Fprintf(sb, "%s %d\n", g.name, g.Value())
}

// StateSet is a gauge family with one series per label value, of which
// exactly one is 1 at any time. It is used for the controller state.
type StateSet struct {
	mu      sync.RWMutex
	name    string
	help    string
	label   string
	values  []string
	current string
}

// NewStateSet creates a state set over the given label values.
func NewStateSet(name, help, label string, values ...string) *StateSet {
	return Default.NewStateSet(name, help, label, values...)
}

// Set marks value as the current one. Unknown values are added.
func (s *StateSet) Set(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, v := range s.values {
		if v == value {
			found = true
			break
		}
	}
	if !found {
		s.values = append(s.values, value)
	}
	s.current = value
}

// Current returns the value last passed to Set.
func (s *StateSet) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *StateSet) metricName() string { return s.name }

func (s *StateSet) write(sb *strings.Builder) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	writeHeader(sb, s.name, s.help, "gauge")
	for _, v := range s.values {
		on := 0
		if v == s.current {
			on = 1
		}
		fmt.Fprintf(sb, "%s{%s=%q} %d\n", s.name, s.label, v, on)
	}
}

// Histogram tracks the distribution of values.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a histogram registered in the default registry.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return Default.NewHistogram(name, help, buckets)
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writeHeader(sb, h.name, h.help, "histogram")
	for i, b := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(sb, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(sb, "%s_count %d\n", h.name, h.count)
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

type metric interface {
	metricName() string
	write(sb *strings.Builder)
}

// Registry holds registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

// Default is the process-wide registry served by Handler.
var Default = NewRegistry()

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.metricName()] = m
}

// NewCounter creates a counter in r.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.register(c)
	return c
}

// NewGauge creates a gauge in r.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(g)
	return g
}

// NewStateSet creates a state set in r.
func (r *Registry) NewStateSet(name, help, label string, values ...string) *StateSet {
	s := &StateSet{name: name, help: help, label: label, values: append([]string(nil), values...)}
	r.register(s)
	return s
}

// NewHistogram creates a histogram in r.
func (r *Registry) NewHistogram(name, help string, buckets []float64) *Histogram {
	h := &Histogram{name: name, help: help, buckets: buckets, counts: make([]uint64, len(buckets))}
	r.register(h)
	return h
}

// Expose returns all metrics in Prometheus exposition format, sorted by name.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		r.metrics[name].write(&sb)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Handler returns an http.Handler that exposes the default registry.
func Handler() http.Handler {
	return HandlerFor(Default)
}

// HandlerFor returns an http.Handler that exposes r.
func HandlerFor(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Expose()))
	})
}

// Controller metrics
var (
	ConnectionState = NewStateSet("hopguard_connection_state", "Current connection state", "state",
		"initializing", "off", "connecting", "confirming", "on", "disconnecting", "switching")

	ActivationsTotal    = NewCounter("hopguard_activations_total", "Total activation attempts")
	DeactivationsTotal  = NewCounter("hopguard_deactivations_total", "Total deactivations requested")
	HandshakesFailed    = NewCounter("hopguard_handshakes_failed_total", "Total handshake timeouts")
	HopsSubmitted       = NewCounter("hopguard_hops_submitted_total", "Total hop configurations submitted to the backend")
	ServerSwitches      = NewCounter("hopguard_server_switches_total", "Total server switches while connected")
	ServerUnavailable   = NewCounter("hopguard_server_unavailable_total", "Total attempts abandoned as server unavailable")
	BackendFailures     = NewCounter("hopguard_backend_failures_total", "Total backend failures")
	CaptivePortalBlocks = NewCounter("hopguard_captive_portal_blocks_total", "Total activations blocked by a captive portal")
	StatusQueries       = NewCounter("hopguard_status_queries_total", "Total backend status queries issued")

	RetryCount = NewGauge("hopguard_retry_count", "Failed attempts against the current target")
	StartTime  = NewGauge("hopguard_start_time_seconds", "Unix timestamp when the daemon started")

	TimeToConnect = NewHistogram("hopguard_time_to_connect_seconds", "Time from activation to confirmed connection",
		[]float64{0.5, 1, 2, 5, 10, 20, 30, 60})
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
