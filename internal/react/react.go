// Package react implements the ReAct Loop (spec §4.1): a single
// reasoning-and-acting cycle that drives one agent through rounds of
// thought -> action -> observation until a stop condition fires.
//
// Grounded on the teacher's internal/domain/agent/react runtime
// (reactRuntime.run's bounded for-loop over r.state.Iterations, one log
// line per round, ResumeFromCheckpoint at startup) for the overall round
// driver shape, and on internal/agent/tool_executor.go's parseToolCalls
// for the json.Unmarshal -> jsonrepair.JSONRepair repair escalation used
// here for malformed structured decisions. The explicit stop-condition
// taxonomy (convergence/stuck/rejection-exhaustion/budget) has no single
// teacher analogue; it is built directly from spec §4.1 on top of that
// round-driver shape.
package react

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
)

// Decision is the structured output an Agent must produce each round.
type Decision struct {
	Thought string          `json:"thought"`
	Action  string          `json:"action"`
	Params  actions.Params  `json:"params"`
}

// Agent produces one Decision per round from the accumulated observations.
// raw is the agent's unparsed textual response, used for format repair when
// it fails to parse as a Decision.
type Agent interface {
	Decide(ctx context.Context, goal string, observations []string) (raw string, err error)
	// Reset reinitializes the underlying session. Invoked between rounds
	// when Config.FreshSessionPerRound is true.
	Reset(ctx context.Context) error
}

// Reviewer may reject a proposed Decision before it is dispatched.
type Reviewer interface {
	Review(ctx context.Context, decision Decision) (approved bool, reason string, err error)
}

// Snapshot is published once per round to Config.SnapshotLogger.
type Snapshot struct {
	Round           int
	AgentID         string
	ThoughtExcerpt  string
	Action          string
	Params          actions.Params
	Observation     string
	Err             string
	Duration        time.Duration
}

// SnapshotLogger receives one Snapshot per round.
type SnapshotLogger func(Snapshot)

// StopReason names why the loop stopped.
type StopReason string

const (
	StopComplete           StopReason = "complete"
	StopFail               StopReason = "fail"
	StopReviewerExhaustion StopReason = "reviewer_exhaustion"
	StopConvergence        StopReason = "convergence"
	StopStuck              StopReason = "stuck"
	StopBudget             StopReason = "budget"
	StopEscalate           StopReason = "escalate"
)

// MalformedDecision is returned when an agent's decision cannot be parsed
// as valid structured output even after formatFix.maxRetries repairs.
type MalformedDecision struct {
	Round int
	Raw   string
	Err   error
}

func (e *MalformedDecision) Error() string {
	return fmt.Sprintf("react: malformed decision at round %d: %v", e.Round, e.Err)
}

func (e *MalformedDecision) Unwrap() error { return e.Err }

// StopConditions bounds the loop.
type StopConditions struct {
	CompleteActions []string
	FailActions     []string
	MaxRounds       int
	OnConvergence   bool
	OnStuck         int
	MaxRejections   int
}

func (s StopConditions) hasAction(list []string, name string) bool {
	for _, a := range list {
		if a == name {
			return true
		}
	}
	return false
}

// FormatFix configures structured-output repair retries.
type FormatFix struct {
	MaxRetries int
	Schema     string
}

// Config configures one ReAct Loop instance.
type Config struct {
	Agent                 Agent
	Registry              *actions.Registry
	FreshSessionPerRound  bool
	Reviewer              Reviewer
	StopConditions        StopConditions
	FormatFix             FormatFix
	SnapshotLogger        SnapshotLogger
	AgentID               string
	Logger                logging.Logger
}

// Result is returned when the loop stops.
type Result struct {
	StopReason  StopReason
	Rounds      int
	LastResult  actions.Result
	LastAction  string
	Observation string
}

// Loop drives a single agent through rounds against a goal until a stop
// condition fires.
type Loop struct {
	cfg          Config
	observations []string

	rejectionStreak int
	stuckCount      int
	lastObservation string
	lastReason      string
}

// New returns a Loop ready to Run. MaxRounds defaults to 1 if unset, as
// does FormatFix.MaxRetries default to 1 repair attempt.
func New(cfg Config) *Loop {
	if cfg.StopConditions.MaxRounds <= 0 {
		cfg.StopConditions.MaxRounds = 1
	}
	if cfg.FormatFix.MaxRetries <= 0 {
		cfg.FormatFix.MaxRetries = 1
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return &Loop{cfg: cfg}
}

// Run drives the loop against goal until a stop condition fires or ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context, goal string) (Result, error) {
	round := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		round++

		if l.cfg.FreshSessionPerRound && round > 1 {
			if err := l.cfg.Agent.Reset(ctx); err != nil {
				return Result{}, fmt.Errorf("react: reset agent session: %w", err)
			}
		}

		start := time.Now()
		decision, err := l.obtainDecision(ctx, round, goal)
		if err != nil {
			return Result{}, err
		}

		if l.cfg.Reviewer != nil {
			approved, reason, rErr := l.cfg.Reviewer.Review(ctx, decision)
			if rErr != nil {
				return Result{}, fmt.Errorf("react: reviewer error: %w", rErr)
			}
			if !approved {
				l.rejectionStreak++
				sameReason := reason == l.lastReason && reason != ""
				l.lastReason = reason
				l.observations = append(l.observations, fmt.Sprintf("rejected: %s", reason))
				l.snapshot(round, l.cfg.AgentID, decision, "", fmt.Errorf("rejected: %s", reason), start)

				if l.cfg.StopConditions.MaxRejections > 0 && l.rejectionStreak >= l.cfg.StopConditions.MaxRejections {
					return Result{StopReason: StopReviewerExhaustion, Rounds: round}, nil
				}
				if l.cfg.StopConditions.OnConvergence && sameReason {
					return Result{StopReason: StopConvergence, Rounds: round}, nil
				}
				if round >= l.cfg.StopConditions.MaxRounds {
					return Result{StopReason: StopBudget, Rounds: round}, nil
				}
				continue
			}
			l.rejectionStreak = 0
		}

		actionResult, err := l.cfg.Registry.Execute(ctx, decision.Action, decision.Params)
		if err != nil {
			l.snapshot(round, l.cfg.AgentID, decision, "", err, start)
			l.observations = append(l.observations, fmt.Sprintf("error: %v", err))
		} else {
			l.snapshot(round, l.cfg.AgentID, decision, actionResult.Output, nil, start)
			l.observations = append(l.observations, actionResult.Output)
		}

		if reason, stop := l.checkStop(round, decision, actionResult, err); stop {
			return Result{
				StopReason:  reason,
				Rounds:      round,
				LastResult:  actionResult,
				LastAction:  decision.Action,
				Observation: actionResult.Output,
			}, nil
		}
	}
}

// obtainDecision asks the Agent for a decision, repairing malformed JSON up
// to FormatFix.MaxRetries times before failing with MalformedDecision.
func (l *Loop) obtainDecision(ctx context.Context, round int, goal string) (Decision, error) {
	var lastErr error
	var lastRaw string
	for attempt := 0; attempt <= l.cfg.FormatFix.MaxRetries; attempt++ {
		obs := l.observations
		if attempt > 0 {
			repairHint := fmt.Sprintf(
				"the previous response could not be parsed as %s: %v. Respond again using the exact shape.",
				l.cfg.FormatFix.Schema, lastErr,
			)
			obs = append(append([]string{}, l.observations...), repairHint)
		}

		raw, err := l.cfg.Agent.Decide(ctx, goal, obs)
		if err != nil {
			return Decision{}, fmt.Errorf("react: agent decide: %w", err)
		}
		lastRaw = raw

		decision, perr := parseDecision(raw)
		if perr == nil {
			if decision.Action == "" {
				lastErr = fmt.Errorf("decision missing action field")
				continue
			}
			return decision, nil
		}
		lastErr = perr
	}
	return Decision{}, &MalformedDecision{Round: round, Raw: lastRaw, Err: lastErr}
}

// parseDecision parses raw as a Decision, repairing malformed JSON via
// jsonrepair before giving up.
func parseDecision(raw string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		return d, nil
	}

	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Decision{}, fmt.Errorf("repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &d); err != nil {
		return Decision{}, fmt.Errorf("parse after repair failed: %w", err)
	}
	return d, nil
}

// checkStop evaluates every stop condition in spec priority order: success,
// fail, convergence, stuck, budget.
func (l *Loop) checkStop(round int, decision Decision, result actions.Result, execErr error) (StopReason, bool) {
	sc := l.cfg.StopConditions

	if execErr == nil && sc.hasAction(sc.CompleteActions, decision.Action) {
		return StopComplete, true
	}
	if sc.hasAction(sc.FailActions, decision.Action) {
		return StopFail, true
	}

	noNewObservation := execErr == nil && result.Output != "" && result.Output == l.lastObservation
	if noNewObservation {
		l.stuckCount++
	} else {
		l.stuckCount = 0
	}
	l.lastObservation = result.Output

	if sc.OnConvergence && noNewObservation {
		return StopConvergence, true
	}
	if sc.OnStuck > 0 && l.stuckCount >= sc.OnStuck {
		return StopStuck, true
	}
	if round >= sc.MaxRounds {
		return StopBudget, true
	}
	return "", false
}

func (l *Loop) snapshot(round int, agentID string, decision Decision, observation string, err error, start time.Time) {
	if l.cfg.SnapshotLogger == nil {
		return
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	excerpt := decision.Thought
	if len(excerpt) > 160 {
		excerpt = excerpt[:160]
	}
	l.cfg.SnapshotLogger(Snapshot{
		Round:          round,
		AgentID:        agentID,
		ThoughtExcerpt: excerpt,
		Action:         decision.Action,
		Params:         decision.Params,
		Observation:    observation,
		Err:            errText,
		Duration:       time.Since(start),
	})
}
