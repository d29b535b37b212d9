package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw...)
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func TestHeadersMiddleware(t *testing.T) {
	router := newRouter(HeadersMiddleware())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("Content-Security-Policy header not set")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredent string
	}{
		{"allowed origin", []string{"https://app.example"}, "https://app.example", "https://app.example", "true"},
		{"other origin", []string{"https://app.example"}, "https://evil.example", "", ""},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example", ""},
		{"disabled", nil, "https://app.example", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(CORSMiddleware(tt.allowed))
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredent {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCredent)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"https://app.example"}))
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
}

func TestValidateEndpointURL(t *testing.T) {
	bad := []string{
		"ftp://psp.example/x",
		"http://localhost:8080",
		"http://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"http://169.254.169.254/latest",
		"http://[::1]/hook",
		"https://",
	}
	for _, u := range bad {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
	if err := ValidateEndpointURL("https://93.184.216.34/hook"); err != nil {
		t.Errorf("public IP literal rejected: %v", err)
	}
}

func TestRequireHTTPS(t *testing.T) {
	if err := RequireHTTPS("http://93.184.216.34/hook"); err == nil {
		t.Error("plain http accepted")
	}
	if err := RequireHTTPS("https://93.184.216.34/hook"); err != nil {
		t.Errorf("https rejected: %v", err)
	}
}
