package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ItemProcessed("storefront", "new")
	m.ItemProcessed("storefront", "new")
	m.ItemProcessed("storefront", "errored")
	m.SourceError("storefront", 429)
	m.MergeOutcome("merged", 3)
	m.MergeOutcome("unresolved", 0)

	assert.Equal(t, 2.0, counterValue(t, m, "ingest_items_total", map[string]string{"source": "storefront", "outcome": "new"}))
	assert.Equal(t, 1.0, counterValue(t, m, "ingest_items_total", map[string]string{"source": "storefront", "outcome": "errored"}))
	assert.Equal(t, 1.0, counterValue(t, m, "ingest_source_errors_total", map[string]string{"source": "storefront", "status": "4xx"}))
	assert.Equal(t, 3.0, counterValue(t, m, "identity_merges_total", map[string]string{"outcome": "merged"}))
	assert.Equal(t, 0.0, counterValue(t, m, "identity_merges_total", map[string]string{"outcome": "unresolved"}))
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			pairs := metric.GetLabel()
			if len(pairs) != len(labels) {
				continue
			}
			for _, lp := range pairs {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ItemProcessed("s", "new")
		m.RunFinished("s", "ok", time.Second)
		m.LimiterWaited("s", time.Second)
		m.RecordRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RunFinished("catalog-api", "ok", 2*time.Second)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `ingest_runs_total{result="ok",source="catalog-api"} 1`))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "transport", classifyStatus(0))
	assert.Equal(t, "2xx", classifyStatus(204))
	assert.Equal(t, "5xx", classifyStatus(503))
	assert.Equal(t, "unknown", classifyStatus(700))
}
