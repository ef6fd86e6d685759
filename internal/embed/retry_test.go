package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

func TestWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	fatal := fatherrors.New(fatherrors.ErrCodeInvalidInput, "bad input", nil)
	err := withRetry(context.Background(), 3, func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fatal))
	assert.Equal(t, 1, calls)
}

func TestWithRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, 3, func() error { return errors.New("transient") })
	assert.Error(t, err)
}
