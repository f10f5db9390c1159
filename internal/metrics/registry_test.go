package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_CounterAndGauge(t *testing.T) {
	r := NewRegistry()
	r.Inc("bridge_inbound_events_total", "source", "feishu", "kind", "text")
	r.Inc("bridge_inbound_events_total", "source", "feishu", "kind", "text")
	r.SetGauge("bridge_queue_depth", 3)

	snap := r.Snapshot()
	assert.EqualValues(t, 2, snap.Counters["bridge_inbound_events_total{kind=text,source=feishu}"])
	assert.EqualValues(t, 3, snap.Gauges["bridge_queue_depth"])
}

func TestRegistry_HistogramSummary(t *testing.T) {
	r := NewRegistry()
	for _, v := range []float64{10, 20, 30, 40, 50} {
		r.Observe("bridge_processing_duration_ms", v, "stage", "decode")
	}
	snap := r.Snapshot()
	sum := snap.Histograms["bridge_processing_duration_ms{stage=decode}"]
	assert.Equal(t, 5, sum.Count)
	assert.Equal(t, 10.0, sum.Min)
	assert.Equal(t, 50.0, sum.Max)
	assert.Equal(t, 30.0, sum.Mean)
}

func TestRegistry_ConcurrentIncrement(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc("bridge_outbound_requests_total", "api", "send_message")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 100, r.Snapshot().Counters["bridge_outbound_requests_total{api=send_message}"])
}
