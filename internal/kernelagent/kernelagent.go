// Package kernelagent adapts a Kernel Bridge (internal/kernel) session into
// a react.Agent, so a ReAct Loop's "ask the agent for a decision" round
// becomes a user_turn submission to the external LLM kernel child over the
// bridge's line-delimited JSON protocol.
//
// Grounded on the teacher's internal/domain/agent/react.ReactEngine (the
// think-act-observe driver that builds a turn's context from prior
// iterations before calling out to its LLM client): the same
// "accumulate observations, render them into one turn's items" shape is
// used here, generalized from the teacher's in-process LLM client call to
// a kernel.Bridge.SubmitTurn round-trip per spec §4.10's wire protocol.
package kernelagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/kernel"
)

// Config wires a Agent to one (session, provider) kernel bridge key.
type Config struct {
	Bridge       *kernel.Bridge
	SessionID    string
	ProviderID   string
	SystemPrompt string
	Model        string
	Timeout      time.Duration
	// Mode tags the turn (spec §6 "mode ... defaults to main").
	Mode string
}

// Agent drives one role (orchestrator or executor) through its kernel
// session. It satisfies react.Agent.
type Agent struct {
	cfg Config
}

// New returns an Agent bound to cfg. Mode defaults to "main" and Timeout to
// 120s when left unset, matching the kernel bridge's own turn_context
// defaults (spec §6).
func New(cfg Config) *Agent {
	if cfg.Mode == "" {
		cfg.Mode = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Agent{cfg: cfg}
}

// Decide submits goal plus the accumulated observations as one user_turn
// and returns the kernel's last_agent_message as the raw decision text for
// the ReAct Loop to parse (and, on malformed output, format-repair).
func (a *Agent) Decide(ctx context.Context, goal string, observations []string) (string, error) {
	items := buildItems(goal, observations)
	options := map[string]any{
		"system_prompt": a.cfg.SystemPrompt,
		"session_id":    strings.TrimSpace(a.cfg.SessionID),
		"mode":          a.cfg.Mode,
		"turn_context": map[string]any{
			"model": a.cfg.Model,
		},
	}

	result, err := a.cfg.Bridge.SubmitTurn(ctx, a.cfg.SessionID, a.cfg.ProviderID, items, options, a.cfg.Timeout)
	if err != nil {
		return "", err
	}
	if result.Pending {
		return "", fingerr.Newf(fingerr.Transient, "kernelagent.Decide", "turn queued behind an active turn on session %s", a.cfg.SessionID)
	}
	return result.LastAgentMessage, nil
}

// Reset disconnects and reinitializes the agent's kernel session, bounding
// context growth between rounds (spec §4.1 "Fresh-session policy").
func (a *Agent) Reset(ctx context.Context) error {
	a.cfg.Bridge.InterruptSession(a.cfg.SessionID, a.cfg.ProviderID)
	return nil
}

// buildItems renders a goal and its prior-round observations into the
// ordered history_items shape the kernel wire protocol expects (spec §6
// "history_items: Ordered prior messages").
func buildItems(goal string, observations []string) []any {
	items := make([]any, 0, len(observations)+1)
	items = append(items, map[string]any{
		"role":    "user",
		"content": goal,
	})
	for i, obs := range observations {
		items = append(items, map[string]any{
			"role":    "system",
			"content": fmt.Sprintf("observation %d: %s", i+1, obs),
		})
	}
	return items
}
