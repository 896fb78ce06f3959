package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		wantDB string
	}{
		{"in-memory store", nil, "connected"},
		{"db reachable", PingFunc(func(ctx context.Context) error { return nil }), "connected"},
		{"db unreachable", PingFunc(func(ctx context.Context) error { return errors.New("connection refused") }), "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.db).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body healthResponse
			decodeJSON(t, w.Result(), &body)
			if body.Status != "ok" || body.DB != tt.wantDB {
				t.Errorf("body = %+v, want db=%s", body, tt.wantDB)
			}
		})
	}
}
