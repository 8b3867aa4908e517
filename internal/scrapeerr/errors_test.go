package scrapeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNormalizationErr struct{}

func (fakeNormalizationErr) Error() string              { return "unrecognized" }
func (fakeNormalizationErr) NormalizationFailure() bool { return true }

func TestLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, "none"},
		{"pool exhausted", fmt.Errorf("acquire: %w", ErrPoolExhausted), "pool_exhausted"},
		{"invalid asin", ErrInvalidASIN, "invalid_asin"},
		{"deadline", ErrDeadlineExceeded, "deadline_exceeded"},
		{"invalidated", Invalidated("challenge", nil), "session_invalidated"},
		{"wrapped invalidated", fmt.Errorf("step: %w", Invalidated("challenge", errors.New("captcha"))), "session_invalidated"},
		{"transient", Transient("GET", errors.New("connection reset")), "transient_network"},
		{"startup", &StartupPoolError{Created: 1, Attempted: 10, MinRate: 0.5}, "startup_pool_failure"},
		{"normalization", fakeNormalizationErr{}, "normalization_failure"},
		{"status", &StatusError{Code: 404, URL: "https://www.amazon.com/dp/X"}, "unexpected_status"},
		{"canceled", context.Canceled, "canceled"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Label(tt.err))
		})
	}
}

func TestTransientUnwrap(t *testing.T) {
	err := Transient("POST address-change", context.DeadlineExceeded)

	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalidated(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "POST address-change")
}

func TestStartupPoolErrorMessage(t *testing.T) {
	err := &StartupPoolError{Created: 3, Attempted: 10, MinRate: 0.5}
	assert.Equal(t, "startup pool failure: created 3 of 10 sessions (required success rate 0.50)", err.Error())
}
