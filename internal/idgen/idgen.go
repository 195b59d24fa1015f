// Package idgen generates identifiers for marketplace records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless UUIDv4 (e.g. "off_", "txn_", "dsp_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ordered returns a time-ordered UUIDv7 string, used where ids must sort by
// creation (audit events, dispute messages). Falls back to v4 if the clock
// source fails.
func Ordered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return WithPrefix(prefix)
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}
