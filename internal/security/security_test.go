package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials string
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", "true"},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", "", ""},
		{"wildcard", []string{"*"}, "https://anything.example.com", "https://anything.example.com", ""},
		{"empty list", nil, "https://anything.example.com", "https://anything.example.com", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestValidateEndpointURL(t *testing.T) {
	lookup := func(_ context.Context, host string) ([]string, error) {
		switch host {
		case "hooks.example.com":
			return []string{"93.184.216.34"}, nil
		case "internal.example.com":
			return []string{"10.1.2.3"}, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.com/landtrust", false},
		{"https://93.184.216.34/hook", false},
		{"ftp://hooks.example.com", true},
		{"https://", true},
		{"http://localhost:8080/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://169.254.169.254/latest", true},
		{"https://internal.example.com/hook", true},
		{"https://unresolvable.example.com/hook", true},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			err := validateEndpointURL(context.Background(), tc.url, lookup)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
