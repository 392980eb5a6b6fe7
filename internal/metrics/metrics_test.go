package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	assert.NotNil(t, c.verifications)
	assert.NotNil(t, c.withdrawals)
	assert.NotNil(t, c.invariants)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSessionStarted()
		c.RecordVerification(true, "verified", 90)
		c.RecordCompletion()
		c.RecordDuplicateCompletion()
		c.RecordWithdrawal("confirmed", 10)
		c.RecordOracleError("contract", "getJob")
		c.RecordDivergence()
		c.RecordInvariant("settle")
		c.RecordReconcileRun()
	})
}

func TestRecordVerification(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordVerification(true, "verified", 90)
	c.RecordVerification(false, "no_count_increase", 0)
	c.RecordVerification(false, "no_count_increase", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.verifications.WithLabelValues("pass", "verified")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.verifications.WithLabelValues("fail", "no_count_increase")))
}

func TestRecordWithdrawal(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordWithdrawal("confirmed", 10)
	c.RecordWithdrawal("failed", 12)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.withdrawals.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.withdrawals.WithLabelValues("failed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.withdrawnAmount))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordCompletion()
	c.RecordOracleError("counts", "getCounts")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "engage_completions_recorded_total 1")
	assert.Contains(t, body, `engage_oracle_errors_total{method="getCounts",oracle="counts"} 1`)
}
