package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func setupMock(t *testing.T) *[]metricRecord {
	var records []metricRecord
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, metricRecord{
			method:   method,
			endpoint: endpoint,
			status:   status,
			duration: duration,
		})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{name: "sets status code 200", statusCode: http.StatusOK},
		{name: "sets status code 404", statusCode: http.StatusNotFound},
		{name: "sets status code 500", statusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

			rw.WriteHeader(tt.statusCode)

			assert.Equal(t, tt.statusCode, rw.statusCode)
			assert.Equal(t, tt.statusCode, rec.Code)
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		status         int
		expectedLabel  string
		expectedStatus string
	}{
		{
			name:           "create job",
			method:         http.MethodPost,
			path:           "/api/storages/storage-1/jobs",
			status:         http.StatusCreated,
			expectedLabel:  "/api/storages/:id/jobs",
			expectedStatus: "201",
		},
		{
			name:           "delete job",
			method:         http.MethodDelete,
			path:           "/api/storages/6f1c/jobs",
			status:         http.StatusNoContent,
			expectedLabel:  "/api/storages/:id/jobs",
			expectedStatus: "204",
		},
		{
			name:           "metrics endpoint",
			method:         http.MethodGet,
			path:           "/metrics",
			status:         http.StatusOK,
			expectedLabel:  "/metrics",
			expectedStatus: "200",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := setupMock(t)

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			require.Len(t, *records, 1)
			got := (*records)[0]
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.expectedLabel, got.endpoint)
			assert.Equal(t, tt.expectedStatus, got.status)
			assert.GreaterOrEqual(t, got.duration, time.Duration(0))
		})
	}
}

func TestMetricsMiddleware_DefaultStatus(t *testing.T) {
	records := setupMock(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Len(t, *records, 1)
	assert.Equal(t, "200", (*records)[0].status)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/storages/abc/jobs", "/api/storages/:id/jobs"},
		{"/api/storages/abc", "/api/storages/:id"},
		{"/api/storages/abc/jobs/extra", "/api/storages/:id/jobs/extra"},
		{"/metrics", "/metrics"},
		{"/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeEndpoint(tt.path))
		})
	}
}
