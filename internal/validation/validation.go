// Package validation provides request guards and field checks for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// idRegex matches the identifiers the API hands out (prefix_ plus hex or uuid).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id path parameters before they reach
// a handler. Routes without the parameter pass through.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}

// IsValidID reports whether s looks like an entity identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeText trims s, drops control characters other than newline and tab,
// and truncates it to maxRunes runes.
func SanitizeText(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes])
	}
	return s
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every check and collects the failures. It returns nil when
// all checks pass.
func Validate(checks ...func() *FieldError) error {
	var errs FieldErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field has at most max runes.
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit amount.
func PositiveAmount(field string, amountMinor int64) func() *FieldError {
	return func() *FieldError {
		if amountMinor <= 0 {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}
