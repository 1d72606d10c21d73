// session.go implements per-(session,provider) turn multiplexing against a
// single child process (spec §4.10): one in-flight turn at a time, a
// pending-input queue for submissions arriving while a turn is active, and
// the four termination paths (success/error/timeout/child-exit).
//
// Has no single teacher analogue (the teacher's subprocess wrapper has no
// line-protocol turn concept); built directly from spec §4.10 on top of
// the teacher-grounded process.go child lifecycle.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
)

// TimeoutErr is returned when a turn exceeds its configured timeout.
type TimeoutErr struct {
	TurnID string
}

func (e *TimeoutErr) Error() string { return fmt.Sprintf("kernel: turn %s timed out", e.TurnID) }
func (e *TimeoutErr) Timeout() bool { return true }

// InterruptedErr is returned when interruptSession rejects an active turn.
type InterruptedErr struct{}

func (e *InterruptedErr) Error() string { return "kernel: turn interrupted by user" }

// ChildExitErr is returned when the child exits before the turn completes.
type ChildExitErr struct {
	Code   int
	Signal string
	Stderr []string
}

func (e *ChildExitErr) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("kernel: child exited (signal %s): %v", e.Signal, e.Stderr)
	}
	return fmt.Sprintf("kernel: child exited (code %d): %v", e.Code, e.Stderr)
}

// MalformedErr is returned when task_complete carries an empty
// last_agent_message.
type MalformedErr struct{}

func (e *MalformedErr) Error() string { return "kernel: task_complete had empty last_agent_message" }

type turnOutcome struct {
	result TurnResult
	err    error
}

type activeTurn struct {
	id       string
	resultCh chan turnOutcome
	events   []Event
}

// kernelSession fronts one child process for one (sessionID, providerID)
// key, serializing turns onto it.
type kernelSession struct {
	key        string
	sessionID  string
	providerID string
	proc       child
	bus        *eventbus.Bus

	mu         sync.Mutex
	active     *activeTurn
	configured bool

	seq   uint64
	clock func() time.Time
}

func newKernelSession(key, sessionID, providerID string, proc child, clock func() time.Time, bus *eventbus.Bus) *kernelSession {
	if clock == nil {
		clock = time.Now
	}
	s := &kernelSession{key: key, sessionID: sessionID, providerID: providerID, proc: proc, clock: clock, bus: bus}
	go s.dispatchLoop()
	return s
}

// kernelEventPassthroughTypes are the kernel event types spec §6 requires
// the bus to fan out verbatim as "kernel_event" ("passthrough of
// tool_call/result/error/model_round").
var kernelEventPassthroughTypes = map[string]bool{
	EventToolCall:   true,
	EventToolResult: true,
	EventToolError:  true,
	EventModelRound: true,
}

// emitPassthrough fans a tool_call/tool_result/tool_error/model_round
// kernel event out onto the bus as a kernel_event (spec §6).
func (s *kernelSession) emitPassthrough(event Event) {
	if s.bus == nil || !kernelEventPassthroughTypes[event.Type] {
		return
	}
	s.bus.Emit(eventbus.Event{
		Type:      "kernel_event",
		SessionID: s.sessionID,
		AgentID:   s.providerID,
		Payload:   event.Raw,
	})
}

func (s *kernelSession) nextID(prefix string) string {
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, s.clock().UnixNano(), n)
}

// dispatchLoop reads lines from the child and routes them to the active
// turn, or marks the session configured.
func (s *kernelSession) dispatchLoop() {
	for line := range s.proc.lines() {
		event, err := parseEvent(line)
		if err != nil {
			continue
		}
		if event.Type == EventSessionConfigured {
			s.mu.Lock()
			s.configured = true
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		turn := s.active
		s.mu.Unlock()
		if turn == nil || event.ID != turn.id {
			continue
		}

		switch event.Type {
		case EventTaskComplete:
			msg := event.LastAgentMessage()
			s.mu.Lock()
			turn.events = append(turn.events, event)
			s.active = nil
			s.mu.Unlock()
			if msg == "" {
				turn.resultCh <- turnOutcome{err: &MalformedErr{}}
			} else {
				turn.resultCh <- turnOutcome{result: TurnResult{LastAgentMessage: msg, Events: turn.events}}
			}
			go s.shutdown()
		case EventError:
			s.mu.Lock()
			turn.events = append(turn.events, event)
			s.active = nil
			s.mu.Unlock()
			turn.resultCh <- turnOutcome{err: fmt.Errorf("kernel: %s", event.Message())}
		default:
			s.mu.Lock()
			turn.events = append(turn.events, event)
			s.mu.Unlock()
			s.emitPassthrough(event)
		}
	}
}

func (s *kernelSession) shutdown() {
	_ = s.proc.write(mustMarshalSubmission(Submission{ID: s.nextID("shutdown"), Op: Op{Type: "shutdown"}}))
}

// submitTurn writes one user_turn submission. If a turn is already active,
// it writes a pending submission instead and returns immediately with
// Pending=true (spec §4.10's backpressure signal).
func (s *kernelSession) submitTurn(ctx context.Context, items []any, options map[string]any, timeout time.Duration) (TurnResult, error) {
	s.mu.Lock()
	if s.active != nil {
		id := s.nextID("pending")
		s.mu.Unlock()
		sub := Submission{ID: id, Op: Op{Type: "user_turn", Items: items, Options: options}}
		if err := s.proc.write(mustMarshalSubmission(sub)); err != nil {
			return TurnResult{}, fmt.Errorf("kernel: write pending turn: %w", err)
		}
		return TurnResult{Pending: true}, nil
	}

	id := s.nextID("turn")
	turn := &activeTurn{id: id, resultCh: make(chan turnOutcome, 1)}
	s.active = turn
	s.mu.Unlock()

	sub := Submission{ID: id, Op: Op{Type: "user_turn", Items: items, Options: options}}
	if err := s.proc.write(mustMarshalSubmission(sub)); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		return TurnResult{}, fmt.Errorf("kernel: write turn: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case outcome := <-turn.resultCh:
		return outcome.result, outcome.err
	case <-timeoutCh:
		s.mu.Lock()
		if s.active == turn {
			s.active = nil
		}
		s.mu.Unlock()
		_ = s.proc.stop()
		return TurnResult{}, &TimeoutErr{TurnID: id}
	case <-s.proc.exited():
		s.mu.Lock()
		if s.active == turn {
			s.active = nil
		}
		s.mu.Unlock()
		code, signal := s.proc.exitStatus()
		return TurnResult{}, &ChildExitErr{Code: code, Signal: signal, Stderr: s.proc.stderrTail()}
	case <-ctx.Done():
		s.mu.Lock()
		if s.active == turn {
			s.active = nil
		}
		s.mu.Unlock()
		return TurnResult{}, ctx.Err()
	}
}

// interrupt rejects the active turn (if any) with InterruptedErr and tears
// down the child.
func (s *kernelSession) interrupt() {
	s.mu.Lock()
	turn := s.active
	s.active = nil
	s.mu.Unlock()
	if turn != nil {
		select {
		case turn.resultCh <- turnOutcome{err: &InterruptedErr{}}:
		default:
		}
	}
	_ = s.proc.stop()
}

func mustMarshalSubmission(sub Submission) []byte {
	data, err := marshalSubmission(sub)
	if err != nil {
		return []byte(`{"id":"` + sub.ID + `","op":{"type":"` + sub.Op.Type + `"}}`)
	}
	return data
}
