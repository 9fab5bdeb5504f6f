package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
		wantRejected    bool
		wantRetryable   bool
	}{
		{
			name:            "unavailable",
			err:             Unavailable("solr", "commit", cause),
			wantUnavailable: true,
			wantRetryable:   true,
		},
		{
			name:         "rejected",
			err:          Rejected("solr", "add", cause),
			wantRejected: true,
		},
		{
			name:            "wrapped unavailable",
			err:             fmt.Errorf("flush: %w", Unavailable("bleve", "commit", cause)),
			wantUnavailable: true,
			wantRetryable:   true,
		},
		{
			name:          "untyped error",
			err:           cause,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantUnavailable, errors.Is(tt.err, ErrUnavailable))
			assert.Equal(t, tt.wantRejected, errors.Is(tt.err, ErrRejected))
			assert.Equal(t, tt.wantRetryable, IsRetryable(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := Rejected("solr", "commit", errors.New("bad field"))
	assert.Equal(t, "solr backend error (commit, permanent): bad field", err.Error())
	assert.ErrorContains(t, Unavailable("solr", "commit", errors.New("x")), "retryable")
	assert.False(t, IsRetryable(nil))
}
