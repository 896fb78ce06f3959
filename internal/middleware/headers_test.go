package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const dashboardOrigin = "https://dash.example.com"

// corsRequest はCORSミドルウェアを通したレスポンスと、後続ハンドラーが呼ばれたかを返す。
func corsRequest(method, origin string, preflight bool) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := NewCORSMiddleware(dashboardOrigin+"/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(method, "/api/v1/auth/status", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantAllowed bool
	}{
		{"許可オリジンのGET", http.MethodGet, dashboardOrigin, false, http.StatusTeapot, true},
		{"他オリジンのGET", http.MethodGet, "https://evil.example.com", false, http.StatusTeapot, false},
		{"Originなし", http.MethodPost, "", false, http.StatusTeapot, false},
		{"許可オリジンのプリフライト", http.MethodOptions, dashboardOrigin, true, http.StatusNoContent, true},
		{"他オリジンのプリフライト", http.MethodOptions, "https://evil.example.com", true, http.StatusNoContent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, called := corsRequest(tt.method, tt.origin, tt.preflight)

			if called == tt.preflight {
				t.Errorf("next called = %v, preflight = %v", called, tt.preflight)
			}
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllowed {
				if got != dashboardOrigin {
					t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, dashboardOrigin)
				}
				if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
					t.Error("Access-Control-Allow-Credentials should be true")
				}
			} else if got != "" {
				t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
			}

			if w.Header().Get("Vary") != "Origin" {
				t.Errorf("Vary = %q, want Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORSMiddleware_PreflightAdvertisesCSRFHeader(t *testing.T) {
	w, _ := corsRequest(http.MethodOptions, dashboardOrigin, true)

	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-CSRF-Token" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != corsAllowedMethods {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	for _, hsts := range []bool{false, true} {
		handler := NewSecurityHeadersMiddleware(SecurityHeadersConfig{HSTS: hsts})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		want := map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Cache-Control":           "no-store",
		}
		for k, v := range want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("hsts=%v: %s = %q, want %q", hsts, k, got, v)
			}
		}

		if got := w.Header().Get("Strict-Transport-Security") != ""; got != hsts {
			t.Errorf("Strict-Transport-Security present = %v, want %v", got, hsts)
		}
	}
}
