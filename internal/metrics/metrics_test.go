package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.Fetches.WithLabelValues("document", "cache").Inc()
	m.Evictions.Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Fetches.WithLabelValues("document", "cache")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Evictions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cachegate_fetches_total")
	assert.Contains(t, rec.Body.String(), "cachegate_generations_evicted_total 2")
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "failure", Result(errors.New("boom")))
}
