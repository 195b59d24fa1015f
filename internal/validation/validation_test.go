package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"lst_0f3a9c", true},
		{"7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"", false},
		{"has space", false},
		{"../etc/passwd", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidID(tt.id), tt.id)
	}
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello", SanitizeText("  hello  ", 100))
	assert.Equal(t, "line one\nline two", SanitizeText("line one\nline two\x00", 100))
	assert.Equal(t, "ab", SanitizeText("a\x07b", 100))
	assert.Equal(t, "héllo", SanitizeText("héllo wörld", 5))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Required("title", "Ten acres"), PositiveAmount("priceMinor", 1)))

	err := Validate(
		Required("title", "  "),
		MaxLength("title", "abcdef", 3),
		PositiveAmount("priceMinor", 0),
	)
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe, 3)
	assert.Equal(t, "title: is required", err.Error())
	assert.Equal(t, "priceMinor", fe[2].Field)
}

func TestIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(IDParamMiddleware("id"))
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/things", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/things/lst_1":     http.StatusOK,
		"/things":           http.StatusOK,
		"/things/bad%20id!": http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("small"))))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("far too large"))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
