package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/chain-crawler/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		status   int
	}{
		{
			name:     "validation",
			err:      NewValidationError("nextKey", "is not a valid id"),
			category: CategoryValidation,
			status:   http.StatusUnprocessableEntity,
		},
		{
			name:     "wrapped upstream",
			err:      fmt.Errorf("crawl failed: %w", NewUpstreamError("cosmoshub-4", "/x", io.ErrUnexpectedEOF)),
			category: CategoryUpstream,
			status:   http.StatusBadGateway,
		},
		{
			name:     "service error",
			err:      &types.ServiceError{Code: "X", Message: "y"},
			category: CategorySystem,
			status:   http.StatusInternalServerError,
		},
		{
			name:     "plain error",
			err:      io.EOF,
			category: CategorySystem,
			status:   http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.status, GetHTTPStatusCode(tt.err))
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsValidation(NewValidationError("query", "is malformed")))
	assert.False(t, IsValidation(io.EOF))
	assert.True(t, IsUpstream(fmt.Errorf("x: %w", NewUpstreamError("c", "/p", nil))))

	err := NewDatabaseError("insert", io.EOF)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "caused by")
}
