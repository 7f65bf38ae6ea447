package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_SameLabelsSameSeries(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "help", "k", "v")
	b := r.Counter("x_total", "help", "k", "v")
	require.Same(t, a, b)

	other := r.Counter("x_total", "help", "k", "w")
	assert.NotSame(t, a, other)
}

func TestCounter_ConcurrentInc(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Counter("hits_total", "hits", "route", "/webhook").Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), r.Counter("hits_total", "hits", "route", "/webhook").Value())
}

func TestRegistry_KindMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("dual", "x")
	assert.Panics(t, func() { r.Gauge("dual", "x") })
	assert.Panics(t, func() { r.Counter("odd", "x", "only-key") })
}

func TestHandler_Exposition(t *testing.T) {
	r := NewRegistry()
	r.Counter("relay_messages_total", "Messages", "action", "processed").Add(3)
	r.Counter("relay_messages_total", "Messages", "action", "failed").Inc()
	g := r.Gauge("relay_in_flight", "In flight")
	g.Inc()
	g.Inc()
	g.Dec()
	h := r.Histogram("relay_latency_seconds", "Latency", []float64{5, 1, math.Inf(1)})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(9)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, body, "agentrelay_uptime_seconds")
	assert.Contains(t, body, "# TYPE relay_messages_total counter")
	assert.Contains(t, body, `relay_messages_total{action="processed"} 3`)
	assert.Contains(t, body, "relay_in_flight 1")
	assert.Contains(t, body, `relay_latency_seconds_bucket{le="1"} 1`)
	assert.Contains(t, body, `relay_latency_seconds_bucket{le="5"} 2`)
	assert.Contains(t, body, `relay_latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, body, "relay_latency_seconds_count 3")
	assert.Contains(t, body, "relay_latency_seconds_sum 12.5")
	assert.Equal(t, 1, strings.Count(body, `le="+Inf"`), "an explicit +Inf bound is folded into the implicit one")

	// families and series render in a stable order
	assert.Less(t, strings.Index(body, "relay_in_flight"), strings.Index(body, "relay_latency_seconds"))
	assert.Less(t, strings.Index(body, `action="failed"`), strings.Index(body, `action="processed"`))
}

func TestRenderLabels_Escapes(t *testing.T) {
	assert.Equal(t, `err="say \"hi\"\nbye"`, renderLabels([]string{"err", "say \"hi\"\nbye"}))
	assert.Equal(t, `a="1",b="2"`, renderLabels([]string{"a", "1", "b", "2"}))
}

func TestOutcome(t *testing.T) {
	before := Outcome("duplicate").Value()
	Outcome("duplicate").Inc()
	assert.Equal(t, before+1, Outcome("duplicate").Value())
}
