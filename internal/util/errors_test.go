package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	require.Equal(t, "validation", Kind(ErrInvalidQuestion))
	require.Equal(t, "not_found", Kind(fmt.Errorf("get document: %w", ErrNotFound)))
	require.Equal(t, "rate_limit", Kind(fmt.Errorf("%w: spent", ErrDailyLimitExceeded)))
	require.Equal(t, "external", Kind(External("embed", errors.New("boom"))))
	require.Equal(t, "persistence", Kind(Persistence("insert", errors.New("boom"))))
	require.Equal(t, "", Kind(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(ErrNoExtractableText))
	require.False(t, Retryable(ErrDailyLimitExceeded))
	require.True(t, Retryable(External("embed", errors.New("timeout"))))
	require.True(t, Retryable(errors.New("unclassified")))
	require.False(t, Retryable(nil))
}

func TestExternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := External("generate", cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrExternalCall)
	require.Nil(t, External("x", nil))
}
