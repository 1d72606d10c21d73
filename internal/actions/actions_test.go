package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoAction() Action {
	return Action{
		Name:        "ECHO",
		Description: "echoes the text parameter back",
		Parameters:  []Schema{{Name: "text", Type: "string", Required: true}},
		Handler: func(ctx context.Context, params Params) (Result, error) {
			text, _ := params["text"].(string)
			return Result{Output: text}, nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoAction()))

	result, err := r.Execute(context.Background(), "ECHO", Params{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", result.Output)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoAction()))
	err := r.Register(echoAction())
	require.Error(t, err)
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	r := New()
	err := r.Register(Action{Name: "NOOP"})
	require.Error(t, err)
}

func TestExecuteUnknownActionFails(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), "MISSING", nil)
	require.Error(t, err)
	var unknown *UnknownAction
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "MISSING", unknown.Name)
}

func TestListIsSortedAndReflectsRegistrations(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Action{Name: "ZEBRA", Handler: func(context.Context, Params) (Result, error) { return Result{}, nil }}))
	require.NoError(t, r.Register(echoAction()))

	names := r.Names()
	require.Equal(t, []string{"ECHO", "ZEBRA"}, names)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "ECHO", list[0].Name)
}

func TestWrapInjectsSideEffectsAroundOriginalHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoAction()))

	var before, after bool
	require.NoError(t, r.Wrap("ECHO", func(next Handler) Handler {
		return func(ctx context.Context, params Params) (Result, error) {
			before = true
			result, err := next(ctx, params)
			after = true
			return result, err
		}
	}))

	result, err := r.Execute(context.Background(), "ECHO", Params{"text": "wrapped"})
	require.NoError(t, err)
	require.Equal(t, "wrapped", result.Output)
	require.True(t, before)
	require.True(t, after)
}

func TestWrapUnknownActionFails(t *testing.T) {
	r := New()
	err := r.Wrap("MISSING", func(next Handler) Handler { return next })
	require.Error(t, err)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Action{
		Name: "SLOW",
		Handler: func(ctx context.Context, params Params) (Result, error) {
			select {
			case <-time.After(time.Second):
				return Result{Output: "too slow"}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, "SLOW", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
