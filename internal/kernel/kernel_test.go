package kernel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
)

type fakeChild struct {
	linesCh   chan string
	writes    chan Submission
	exitedCh  chan struct{}
	stopped   bool
	stderrLog []string
}

func newFakeChild() *fakeChild {
	return &fakeChild{
		linesCh:  make(chan string, 16),
		writes:   make(chan Submission, 16),
		exitedCh: make(chan struct{}),
	}
}

func (f *fakeChild) write(data []byte) error {
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return err
	}
	f.writes <- sub
	return nil
}

func (f *fakeChild) lines() <-chan string       { return f.linesCh }
func (f *fakeChild) stop() error                { f.stopped = true; return nil }
func (f *fakeChild) alive() bool {
	select {
	case <-f.exitedCh:
		return false
	default:
		return true
	}
}
func (f *fakeChild) stderrTail() []string          { return f.stderrLog }
func (f *fakeChild) exitStatus() (int, string)      { return 1, "" }
func (f *fakeChild) exited() <-chan struct{}        { return f.exitedCh }

func (f *fakeChild) pushLine(v any) {
	data, _ := json.Marshal(v)
	f.linesCh <- string(data)
}

func fixedClock() time.Time { return time.Unix(1000, 0) }

func TestSubmitTurnResolvesOnTaskComplete(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	type outcome struct {
		result TurnResult
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := sess.submitTurn(context.Background(), []any{"hello"}, nil, 0)
		resCh <- outcome{result, err}
	}()

	sub := <-fc.writes
	require.Equal(t, "user_turn", sub.Op.Type)

	fc.pushLine(map[string]any{"id": sub.ID, "type": EventTaskComplete, "last_agent_message": "done!"})

	out := <-resCh
	require.NoError(t, out.err)
	require.Equal(t, "done!", out.result.LastAgentMessage)

	shutdownSub := <-fc.writes
	require.Equal(t, "shutdown", shutdownSub.Op.Type)
}

func TestSubmitTurnRejectsOnErrorEvent(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := sess.submitTurn(context.Background(), nil, nil, 0)
		resCh <- err
	}()

	sub := <-fc.writes
	fc.pushLine(map[string]any{"id": sub.ID, "type": EventError, "message": "provider exploded"})

	err := <-resCh
	require.Error(t, err)
}

func TestSubmitTurnRejectsOnEmptyLastAgentMessage(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := sess.submitTurn(context.Background(), nil, nil, 0)
		resCh <- err
	}()

	sub := <-fc.writes
	fc.pushLine(map[string]any{"id": sub.ID, "type": EventTaskComplete, "last_agent_message": ""})

	err := <-resCh
	require.Error(t, err)
	var malformed *MalformedErr
	require.ErrorAs(t, err, &malformed)
}

func TestSubmitTurnTimesOut(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	_, err := sess.submitTurn(context.Background(), nil, nil, 10*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *TimeoutErr
	require.ErrorAs(t, err, &timeoutErr)
	require.True(t, fc.stopped)
}

func TestSubmitTurnReportsChildExit(t *testing.T) {
	fc := newFakeChild()
	fc.stderrLog = []string{"panic: boom"}
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := sess.submitTurn(context.Background(), nil, nil, 0)
		resCh <- err
	}()

	<-fc.writes
	close(fc.exitedCh)

	err := <-resCh
	require.Error(t, err)
	var exitErr *ChildExitErr
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, []string{"panic: boom"}, exitErr.Stderr)
}

func TestSubmitTurnQueuesAsPendingWhileActive(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	go func() {
		_, _ = sess.submitTurn(context.Background(), nil, nil, 0)
	}()
	first := <-fc.writes
	require.Contains(t, first.ID, "turn-")

	result, err := sess.submitTurn(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.True(t, result.Pending)

	second := <-fc.writes
	require.Contains(t, second.ID, "pending-")
}

func TestDispatchLoopEmitsKernelEventPassthrough(t *testing.T) {
	fc := newFakeChild()
	bus := eventbus.New(eventbus.Config{})
	received := make(chan eventbus.Event, 4)
	bus.Subscribe("kernel_event", func(e eventbus.Event) { received <- e })

	sess := newKernelSession("k", "s1", "p1", fc, fixedClock, bus)

	go func() {
		_, _ = sess.submitTurn(context.Background(), nil, nil, 0)
	}()
	sub := <-fc.writes

	fc.pushLine(map[string]any{"id": sub.ID, "type": EventToolCall, "tool_name": "write_file"})
	fc.pushLine(map[string]any{"id": sub.ID, "type": EventTaskStarted})
	fc.pushLine(map[string]any{"id": sub.ID, "type": EventTaskComplete, "last_agent_message": "done"})

	evt := <-received
	require.Equal(t, "kernel_event", evt.Type)
	require.Equal(t, "s1", evt.SessionID)
	require.Equal(t, "p1", evt.AgentID)

	select {
	case unexpected := <-received:
		t.Fatalf("unexpected second kernel_event passthrough: %+v", unexpected)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInterruptRejectsActiveTurn(t *testing.T) {
	fc := newFakeChild()
	sess := newKernelSession("k", "s", "p", fc, fixedClock, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := sess.submitTurn(context.Background(), nil, nil, 0)
		resCh <- err
	}()
	<-fc.writes

	sess.interrupt()

	err := <-resCh
	require.Error(t, err)
	var interrupted *InterruptedErr
	require.ErrorAs(t, err, &interrupted)
	require.True(t, fc.stopped)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cfg := DefaultRetryConfig()
	require.Equal(t, 750*time.Millisecond, backoffDelay(0, cfg))
	require.Equal(t, 1500*time.Millisecond, backoffDelay(1, cfg))
	require.Equal(t, 3*time.Second, backoffDelay(2, cfg))

	longCfg := RetryConfig{InitialBackoff: 20 * time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2}
	require.Equal(t, 30*time.Second, backoffDelay(3, longCfg))
}

func TestWithRetryNotifiesOnRetryWithIncreasingDelay(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	_, err := withRetry(context.Background(), RetryConfig{MaxRetries: 2, TestMode: true},
		func(attempt int, delay time.Duration, retryErr error) {
			delays = append(delays, delay)
		},
		func(ctx context.Context) (TurnResult, error) {
			attempts++
			return TurnResult{}, &httpErr{code: 500}
		})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{750 * time.Millisecond, 1500 * time.Millisecond}, delays)
}

func TestIsRetryableStatusCodes(t *testing.T) {
	require.True(t, isRetryable(&httpErr{code: 429}))
	require.True(t, isRetryable(&httpErr{code: 503}))
	require.False(t, isRetryable(&httpErr{code: 401}))
	require.False(t, isRetryable(&QuotaExhaustedError{Err: context.DeadlineExceeded}))
	require.True(t, isRetryable(&TimeoutErr{TurnID: "t1"}))
	require.False(t, isRetryable(nil))
}

type httpErr struct{ code int }

func (e *httpErr) Error() string   { return "http error" }
func (e *httpErr) StatusCode() int { return e.code }

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), RetryConfig{MaxRetries: 3, TestMode: true}, nil, func(ctx context.Context) (TurnResult, error) {
		attempts++
		return TurnResult{}, &httpErr{code: 403}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsRetryableError(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), RetryConfig{MaxRetries: 2, TestMode: true}, nil, func(ctx context.Context) (TurnResult, error) {
		attempts++
		return TurnResult{}, &httpErr{code: 500}
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	result, err := withRetry(context.Background(), RetryConfig{MaxRetries: 3, TestMode: true}, nil, func(ctx context.Context) (TurnResult, error) {
		attempts++
		if attempts < 2 {
			return TurnResult{}, &httpErr{code: 502}
		}
		return TurnResult{LastAgentMessage: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result.LastAgentMessage)
	require.Equal(t, 2, attempts)
}
