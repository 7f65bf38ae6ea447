// Package metrics keeps process-wide counters for the relay and renders them
// in the Prometheus text exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the registry the relay reports into.
var Default = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Registry holds metric families keyed by name. Each family has one series
// per distinct label set.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	started  time.Time
}

type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]any // rendered labels -> *Counter | *Gauge | *Histogram
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime is the time since the registry was created.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into fixed upper bounds. The +Inf bucket is
// implicit and equals the total count.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter for name and the label pairs, creating it on
// first use. labels alternate key and value.
func (r *Registry) Counter(name, help string, labels ...string) *Counter {
	return r.series(name, help, kindCounter, nil, labels, func() any { return &Counter{} }).(*Counter)
}

func (r *Registry) Gauge(name, help string, labels ...string) *Gauge {
	return r.series(name, help, kindGauge, nil, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name. The buckets of the first call
// win for every series of the family.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *Histogram {
	return r.series(name, help, kindHistogram, buckets, labels, nil).(*Histogram)
}

func (r *Registry) series(name, help string, k kind, buckets []float64, labels []string, mk func() any) any {
	key := renderLabels(labels)

	r.mu.RLock()
	if f, ok := r.families[name]; ok && f.kind == k {
		if s, ok := f.series[key]; ok {
			r.mu.RUnlock()
			return s
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		if k == kindHistogram {
			f.buckets = finiteBounds(buckets)
		}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	if s, ok := f.series[key]; ok {
		return s
	}
	var s any
	if k == kindHistogram {
		s = &Histogram{bounds: f.buckets, counts: make([]int64, len(f.buckets))}
	} else {
		s = mk()
	}
	f.series[key] = s
	return s
}

func finiteBounds(in []float64) []float64 {
	out := make([]float64, 0, len(in))
	for _, b := range in {
		if !math.IsInf(b, 1) && !math.IsNaN(b) {
			out = append(out, b)
		}
	}
	sort.Float64s(out)
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func renderLabels(pairs []string) string {
	if len(pairs)%2 != 0 {
		panic("metrics: odd number of label arguments")
	}
	var sb strings.Builder
	for i := 0; i < len(pairs); i += 2 {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(pairs[i])
		sb.WriteString(`="`)
		sb.WriteString(labelEscaper.Replace(pairs[i+1]))
		sb.WriteByte('"')
	}
	return sb.String()
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteTo renders every family sorted by name, series sorted by labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	fmt.Fprintf(cw, "# HELP agentrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(cw, "# TYPE agentrelay_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "agentrelay_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := r.families[n]
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch s := f.series[k].(type) {
			case *Counter:
				fmt.Fprintf(cw, "%s %d\n", seriesName(f.name, k), s.Value())
			case *Gauge:
				fmt.Fprintf(cw, "%s %d\n", seriesName(f.name, k), s.Value())
			case *Histogram:
				writeHistogram(cw, f.name, k, s)
			}
		}
	}
	r.mu.RUnlock()

	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	var cum int64
	for i, b := range h.bounds {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{%s%sle=\"%s\"} %d\n", name, labels, sep, formatFloat(b), cum)
	}
	fmt.Fprintf(w, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels), h.count)
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels), formatFloat(h.sum))
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// Handler serves the registry in the text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

var (
	WebhooksTotal    = Default.Counter("agentrelay_webhooks_total", "Webhook requests accepted for processing")
	ProviderRequests = Default.Counter("agentrelay_provider_requests_total", "Provider generate calls")
	ProviderErrors   = Default.Counter("agentrelay_provider_errors_total", "Provider generate calls that failed")
	DeliveryFailures = Default.Counter("agentrelay_delivery_failures_total", "Replies no endpoint accepted")
	InFlight         = Default.Gauge("agentrelay_pipeline_in_flight", "Messages currently inside the pipeline")

	ProviderLatency = Default.Histogram("agentrelay_provider_latency_seconds", "Provider call latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 20, 30, 60})
	DeliveryLatency = Default.Histogram("agentrelay_delivery_latency_seconds", "Reply delivery latency in seconds",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 20})
)

// Outcome returns the counter for messages that ended with the given action.
func Outcome(action string) *Counter {
	return Default.Counter("agentrelay_messages_total", "Inbound messages by outcome", "action", action)
}
