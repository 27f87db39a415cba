package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecordLabels(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SourceFetch("subgraph:curve", "ok", 120*time.Millisecond)
	m.SourceFetch("subgraph:curve", "ok", 80*time.Millisecond)
	m.SourceFetch("llama", "unavailable", time.Second)
	m.Recommendation("fallback", "timeout")
	m.Transaction("approve_a", "skipped")

	if got := testutil.ToFloat64(m.sourceFetches.WithLabelValues("subgraph:curve", "ok")); got != 2 {
		t.Fatalf("expected 2 ok fetches, got %v", got)
	}
	if got := testutil.ToFloat64(m.recommendations.WithLabelValues("fallback", "timeout")); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
	if got := testutil.CollectAndCount(m.sourceLatency); got != 2 {
		t.Fatalf("expected 2 latency series, got %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SourceFetch("x", "ok", time.Millisecond)
	m.BreakerState("x", 2)
	m.Recommendation("model", "")
	m.RouteDowngrade("curve", "zero_reserves")
	m.Transaction("act", "success")
	m.Superseded()
}
