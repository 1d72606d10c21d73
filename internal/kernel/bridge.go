// bridge.go is the public entry point to the Kernel Bridge (spec §4.10):
// ensureSession keyed by <sessionId>::provider=<providerId>, SubmitTurn
// wrapping kernelSession.submitTurn with the retry policy from retry.go,
// and InterruptSession tearing a session's active turn down.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
	"github.com/Jasonzhangf/finger-sub001/internal/tracing"
)

// BinaryResolver resolves the kernel binary command/args/env for a provider.
type BinaryResolver func(providerID string) (command string, args []string, env map[string]string, err error)

// Config configures a Bridge.
type Config struct {
	Resolver BinaryResolver
	Retry    RetryConfig
	Clock    func() time.Time
	// Bus fans out per-turn events: turn_retry on retry and kernel_event
	// passthroughs of tool_call/tool_result/tool_error/model_round (spec §6).
	// Nil disables both.
	Bus *eventbus.Bus
	// Metrics records kernel turn latency/retry counts. Nil disables both.
	Metrics *metrics.Metrics
}

// Bridge fronts every live kernel child process, one per (session,
// provider) key.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*kernelSession
	resolver BinaryResolver
	retry    RetryConfig
	clock    func() time.Time
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
}

// New returns a Bridge ready to serve turns.
func New(cfg Config) *Bridge {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bridge{
		sessions: make(map[string]*kernelSession),
		resolver: cfg.Resolver,
		retry:    cfg.Retry.normalize(),
		clock:    clock,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
	}
}

func sessionKey(sessionID, providerID string) string {
	return sessionID + "::provider=" + providerID
}

// ensureSession reuses an existing live child for key, or spawns a new one.
func (b *Bridge) ensureSession(ctx context.Context, sessionID, providerID string) (*kernelSession, error) {
	key := sessionKey(sessionID, providerID)

	b.mu.Lock()
	if existing, ok := b.sessions[key]; ok && existing.proc.alive() {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	if b.resolver == nil {
		return nil, fmt.Errorf("kernel: no binary resolver configured")
	}
	command, args, env, err := b.resolver(providerID)
	if err != nil {
		return nil, fmt.Errorf("kernel: resolve binary for provider %s: %w", providerID, err)
	}

	proc := newProcess(ProcessConfig{Command: command, Args: args, Env: withProvider(env, providerID)})
	if err := proc.start(ctx); err != nil {
		return nil, fmt.Errorf("kernel: start kernel child: %w", err)
	}
	sess := newKernelSession(key, sessionID, providerID, proc, b.clock, b.bus)

	b.mu.Lock()
	b.sessions[key] = sess
	b.mu.Unlock()
	return sess, nil
}

func withProvider(env map[string]string, providerID string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	out["FINGER_PROVIDER"] = providerID
	return out
}

// SubmitTurn submits one user turn to the session identified by
// (sessionID, providerID), retrying rejected turns per the bridge's retry
// policy.
func (b *Bridge) SubmitTurn(ctx context.Context, sessionID, providerID string, items []any, options map[string]any, timeout time.Duration) (TurnResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.ScopeKernel, tracing.SpanKernelTurn,
		attribute.String(tracing.AttrSessionID, sessionID),
		attribute.String(tracing.AttrProviderID, providerID),
	)
	defer span.End()

	start := b.clock()
	result, err := withRetry(ctx, b.retry,
		func(attempt int, delay time.Duration, retryErr error) {
			b.emitTurnRetry(sessionID, providerID, attempt, delay, retryErr)
		},
		func(ctx context.Context) (TurnResult, error) {
			sess, err := b.ensureSession(ctx, sessionID, providerID)
			if err != nil {
				return TurnResult{}, err
			}
			return sess.submitTurn(ctx, items, options, timeout)
		})
	tracing.MarkResult(span, err)
	b.observeTurn(err, b.clock().Sub(start))
	return result, err
}

// emitTurnRetry records a kernel bridge retry attempt: the turn_retry event
// named by spec §6 and the retry counter named by SPEC_FULL.md's metrics
// surface, both fired once per retryable failure before the backoff sleep.
func (b *Bridge) emitTurnRetry(sessionID, providerID string, attempt int, delay time.Duration, err error) {
	if b.metrics != nil {
		b.metrics.IncKernelTurnRetry()
	}
	if b.bus == nil {
		return
	}
	b.bus.Emit(eventbus.Event{
		Type:      "turn_retry",
		SessionID: sessionID,
		AgentID:   providerID,
		Payload: map[string]any{
			"attempt":      attempt + 1,
			"retryDelayMs": delay.Milliseconds(),
			"error":        err.Error(),
		},
	})
}

// observeTurn records one completed turn's latency against the kernel turn
// duration histogram, labeled by outcome.
func (b *Bridge) observeTurn(err error, dur time.Duration) {
	if b.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case isTimeoutErr(err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	b.metrics.ObserveKernelTurn(outcome, dur.Seconds())
}

func isTimeoutErr(err error) bool {
	var timeoutErr *TimeoutErr
	return errors.As(err, &timeoutErr)
}

// InterruptSession rejects the active turn (if any) on the session and
// disposes its child. If providerID is empty every session for sessionID
// is interrupted.
func (b *Bridge) InterruptSession(sessionID, providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sess := range b.sessions {
		if providerID != "" && key != sessionKey(sessionID, providerID) {
			continue
		}
		if providerID == "" && !strings.HasPrefix(sess.key, sessionID+"::provider=") {
			continue
		}
		sess.interrupt()
		delete(b.sessions, key)
	}
}

// Shutdown tears down every live session.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sess := range b.sessions {
		sess.interrupt()
		delete(b.sessions, key)
	}
}
