package fingerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := New(Timeout, "kernel.turn", base)

	require.ErrorIs(t, err, base)
	require.Equal(t, Timeout, KindOf(err))
	require.True(t, Is(err, Timeout))
	require.False(t, Is(err, Fatal))
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(ResourceShortage, "pool.allocate", "missing capability %q", "web_search")
	require.Contains(t, err.Error(), "pool.allocate")
	require.Contains(t, err.Error(), "web_search")
}

func TestWithContextChains(t *testing.T) {
	err := New(Validation, "mailbox.create", errors.New("empty")).
		WithContext("target", "executor-agent").
		WithContext("sender", "cli")

	require.Equal(t, "executor-agent", err.Context["target"])
	require.Equal(t, "cli", err.Context["sender"])
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := New(QuotaExhausted, "kernel.turn", errors.New("429"))
	wrapped := fmt.Errorf("retry wrapper: %w", inner)

	require.Equal(t, QuotaExhausted, KindOf(wrapped))
}

func TestKindOfReturnsEmptyForPlainError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(Timeout, "op", errors.New("x"))))
	require.True(t, Retryable(New(Transient, "op", errors.New("x"))))
	require.False(t, Retryable(New(Unauthorized, "op", errors.New("x"))))
	require.False(t, Retryable(New(QuotaExhausted, "op", errors.New("x"))))
	require.False(t, Retryable(errors.New("plain")))
}
