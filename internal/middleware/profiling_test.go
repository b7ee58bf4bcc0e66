package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProfiling(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		cfg        ProfilingConfig
		path       string
		wantStatus int
	}{
		{"disabled passes through", ProfilingConfig{Enabled: false, Environment: "development"}, "/debug/pprof/", http.StatusTeapot},
		{"production refused", ProfilingConfig{Enabled: true, Environment: "production"}, "/debug/pprof/", http.StatusTeapot},
		{"development serves index", ProfilingConfig{Enabled: true, Environment: "development"}, "/debug/pprof/", http.StatusOK},
		{"development other paths pass", ProfilingConfig{Enabled: true, Environment: "development"}, "/api/payments", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Profiling(tt.cfg, newTestLogger(&bytes.Buffer{}))(next)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
