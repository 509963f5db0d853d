package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Init(t *testing.T) {
	// Init should not panic when called multiple times
	Init()
	Init()
}

func TestMetrics_Handler(t *testing.T) {
	Init()

	// Vector metrics are exported once they have at least one child.
	QueryTotal.WithLabelValues("select", "false")
	QueryLatency.WithLabelValues("select")
	ShardFanout.WithLabelValues("orders")
	MergedRowsTotal.WithLabelValues("orders")
	SetPoolGauges("orders", "0", "primary", 0, 0, 0, false)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"pgdog_query_total",
		"pgdog_query_latency_seconds",
		"pgdog_shard_fanout",
		"pgdog_merged_rows_total",
		"pgdog_cache_hits_total",
		"pgdog_cache_misses_total",
		"pgdog_pool_connections_idle",
		"pgdog_pool_connections_checked_out",
		"pgdog_pool_connections_waiting",
		"pgdog_pool_banned",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	QueryTotal.WithLabelValues("select", "false").Inc()
	CacheHits.Inc()
	CacheMisses.Inc()
	ShardFanout.WithLabelValues("orders").Observe(4)
	MergedRowsTotal.WithLabelValues("orders").Add(7)
	QueryLatency.WithLabelValues("select").Observe(0.001)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `cluster="orders"`) {
		t.Error("Expected label cluster=orders in output")
	}
}

func TestSetPoolGauges(t *testing.T) {
	Init()
	SetPoolGauges("orders", "0", "primary", 3, 1, 0, false)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `pgdog_pool_connections_idle{database="orders",role="primary",shard="0"} 3`) {
		t.Errorf("expected idle gauge set to 3, body:\n%s", body)
	}
}
