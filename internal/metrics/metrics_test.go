package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.RecordUpload(OutcomeSuccess, 100)
	m.RecordUpload(OutcomeSuccess, 50)
	m.RecordUpload(OutcomeFailure, 999)
	m.RecordPromotion(OutcomeSuccess, time.Second)
	m.RecordStorageOp("s3", "upload", nil)
	m.RecordStorageOp("s3", "upload", errors.New("boom"))
	m.RecordJob("promote_file", OutcomeRetry)
	m.RecordSweep(nil, map[string]int{"expired_projects": 2})
	m.RecordWebhook("succeeded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.UploadBytesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PromotionsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageOpsTotal.WithLabelValues("s3", "upload", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("promote_file", OutcomeRetry)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepItemsTotal.WithLabelValues("expired_projects")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhooksTotal.WithLabelValues("succeeded")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUpload(OutcomeSuccess, 1)
		m.RecordPromotion(OutcomeFailure, time.Second)
		m.RecordJob("x", OutcomeSuccess)
		m.RecordSweep(nil, nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRequest(http.MethodGet, "/v1/ping", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nautilus_http_requests_total"))
}
