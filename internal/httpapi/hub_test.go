package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/finger-sub001/internal/mailbox"
)

func fixedClock(t time.Time) mailbox.Clock {
	return func() time.Time { return t }
}

func TestDispatchRunsRegisteredHandlerToCompletion(t *testing.T) {
	mb := mailbox.New(nil, fixedClock(time.Now()), 0)
	hub := NewHub(mb)
	hub.RegisterTarget("echo", func(_ context.Context, entry mailbox.Entry) (any, error) {
		return entry.Payload, nil
	})

	entry, err := hub.Dispatch(context.Background(), "echo", "hello", "cli", "")
	require.NoError(t, err)
	require.Equal(t, mailbox.StatusCompleted, entry.Status)
	require.Equal(t, "hello", entry.Result)
}

func TestDispatchFailsFastForUnregisteredTarget(t *testing.T) {
	mb := mailbox.New(nil, fixedClock(time.Now()), 0)
	hub := NewHub(mb)

	entry, err := hub.Dispatch(context.Background(), "nobody-home", "x", "cli", "")
	require.NoError(t, err)
	require.Equal(t, mailbox.StatusFailed, entry.Status)
	require.Contains(t, entry.Error, "no handler registered")
}

func TestDispatchFailsEntryOnHandlerError(t *testing.T) {
	mb := mailbox.New(nil, fixedClock(time.Now()), 0)
	hub := NewHub(mb)
	hub.RegisterTarget("boom", func(_ context.Context, _ mailbox.Entry) (any, error) {
		return nil, errBoom
	})

	entry, err := hub.Dispatch(context.Background(), "boom", nil, "cli", "")
	require.NoError(t, err)
	require.Equal(t, mailbox.StatusFailed, entry.Status)
	require.Equal(t, errBoom.Error(), entry.Error)
}

var errBoom = errors.New("boom")

func TestGetByCallbackIDRoundTrips(t *testing.T) {
	mb := mailbox.New(nil, fixedClock(time.Now()), 0)
	hub := NewHub(mb)
	hub.RegisterTarget("t", func(_ context.Context, entry mailbox.Entry) (any, error) {
		return nil, nil
	})

	entry, err := hub.Dispatch(context.Background(), "t", nil, "cli", "cli-1-abcdef")
	require.NoError(t, err)

	got, err := hub.GetByCallbackID("cli-1-abcdef")
	require.NoError(t, err)
	require.Equal(t, entry.MessageID, got.MessageID)
}
