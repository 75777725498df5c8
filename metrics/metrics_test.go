package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBeforeInitIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordIssued("checkout")
		RecordClassification("checkout", "valid")
		RecordRateLimit("signature", RateLimitAllowed)
		RecordAuditFailure()
		RecordRequest("GET", "/health", "200", 0.01)
	})
}

func TestInitAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Init(reg))

	RecordIssued("checkout")
	RecordClassification("damage", "tampered")
	RecordRateLimit("signature", RateLimitFailOpen)
	RecordAuditFailure()

	text, err := GetMetricsText(reg)
	require.NoError(t, err)
	assert.Contains(t, text, `sign_access_token_issued_total{type="checkout"} 1`)
	assert.Contains(t, text, `sign_access_token_classifications_total{result="tampered",type="damage"} 1`)
	assert.Contains(t, text, `sign_access_rate_limit_decisions_total{endpoint="signature",outcome="fail_open"} 1`)
	assert.Contains(t, text, `sign_access_audit_write_failures_total 1`)

	// a second registration on the same registry is refused
	assert.Error(t, Init(reg))
}

func newRoutedHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/sign/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func TestMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Init(reg))

	req := httptest.NewRequest(http.MethodGet, "/sign/42%7C1700000000%7Cab%7Ccheckout.ff", nil)
	newRoutedHandler().ServeHTTP(httptest.NewRecorder(), req)

	text, err := GetMetricsText(reg)
	require.NoError(t, err)
	assert.Contains(t, text, `sign_access_http_requests_total{method="GET",path="/sign/{token}",status="410"} 1`)
}

func TestMiddleware_UnknownPathsShareOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Init(reg))

	h := newRoutedHandler()
	for _, path := range []string{"/wp-admin", "/x/1/y", "/.env", "/health/extra"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	text, err := GetMetricsText(reg)
	require.NoError(t, err)
	assert.Contains(t, text, `sign_access_http_requests_total{method="GET",path="unmatched",status="404"} 4`)
	assert.Equal(t, 1, strings.Count(text, "sign_access_http_requests_total{"))
	assert.NotContains(t, text, "wp-admin")
}

func TestMiddleware_RecoversPanics(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
