package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/middleware"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/handlers"
)

func TestRouter_Routes(t *testing.T) {
	h := handlers.NewProcessorHandler(aggregate.NewMemoryStore(), correlation.NewMemoryIndex(), nil,
		dlq.NewMemoryStore(), nil, logging.Discard())
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewRouter(h, stream)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"timeline", http.MethodGet, "/v1/timeline/abc", http.StatusOK},
		{"aggregates", http.MethodGet, "/v1/aggregates", http.StatusOK},
		{"aggregate missing", http.MethodGet, "/v1/aggregates/2026-01-01", http.StatusNotFound},
		{"deadletters", http.MethodGet, "/v1/deadletters", http.StatusOK},
		{"stream", http.MethodGet, "/v1/stream", http.StatusTeapot},
		{"stream wrong method", http.MethodPost, "/v1/stream", http.StatusMethodNotAllowed},
		{"timeline wrong method", http.MethodPost, "/v1/timeline/abc", http.StatusMethodNotAllowed},
		{"healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"readyz", http.MethodGet, "/readyz", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown path", http.MethodGet, "/api/v1/normalize", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRouter_RequestID(t *testing.T) {
	h := handlers.NewProcessorHandler(aggregate.NewMemoryStore(), correlation.NewMemoryIndex(), nil,
		dlq.NewMemoryStore(), nil, logging.Discard())
	router := NewRouter(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(middleware.HeaderRequestID))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
