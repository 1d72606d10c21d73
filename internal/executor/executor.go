// Package executor implements the Executor Loop (spec §4.3): a ReAct Loop
// scoped to a single dispatched task, wrapping the Action Registry's
// primitives with bd-tracker synchronization and per-step loop.node.updated
// event emission.
//
// Grounded on the teacher's internal/agent/tool_executor.go for the
// "wrap a registered handler to add cross-cutting bookkeeping without
// touching the handler itself" shape (there it wraps tool calls with
// telemetry; here the same Wrap mechanism from internal/actions syncs the
// external tracker and the Loop Manager's node list instead).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/loopmgr"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
	"github.com/Jasonzhangf/finger-sub001/internal/react"
	"github.com/Jasonzhangf/finger-sub001/internal/tracker"
)

// DefaultMaxIterations bounds an Executor Loop when Config.MaxIterations
// is left unset.
const DefaultMaxIterations = 12

// TaskSpec is the single task one Loop.Run call executes.
type TaskSpec struct {
	TaskID      string
	EpicID      string
	LoopID      string
	Description string
	BDTaskID    string // external tracker task id; empty if untracked
}

// Config wires a Loop to its supporting components. Registry should
// contain only the primitive actions (RegisterBuiltins or a caller's own
// set); Loop.Run clones it per task so tracker/event wrapping never
// leaks across concurrently dispatched tasks.
type Config struct {
	Registry      *actions.Registry
	Tracker       tracker.Tracker
	Bus           *eventbus.Bus
	LoopMgr       *loopmgr.Manager
	MaxIterations int
	Logger        logging.Logger
}

// Loop runs one Executor Loop per TaskSpec.
type Loop struct {
	cfg Config
}

// New returns a Loop ready to Run.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return &Loop{cfg: cfg}
}

// Run drives agent through a ReAct Loop scoped to task, with the
// tracker-sync and event-emission wrappers layered on a private clone of
// cfg.Registry so neither mutates shared state (spec §4.3 "the primitive
// registry itself is never mutated per task").
func (l *Loop) Run(ctx context.Context, task TaskSpec, agent react.Agent) (react.Result, error) {
	registry := l.cfg.Registry.Clone()
	wrapWithTrackerSync(registry, l.cfg.Tracker, task)
	wrapWithNodeEvents(registry, l.cfg.LoopMgr, task)

	loop := react.New(react.Config{
		Agent:                agent,
		Registry:             registry,
		FreshSessionPerRound: true,
		StopConditions: react.StopConditions{
			CompleteActions: []string{"COMPLETE"},
			FailActions:     []string{"FAIL"},
			MaxRounds:       l.cfg.MaxIterations,
			OnConvergence:   true,
			OnStuck:         3,
		},
		FormatFix: react.FormatFix{
			MaxRetries: 2,
			Schema:     `{"thought":string,"action":string,"params":object}`,
		},
		AgentID: task.TaskID,
		Logger:  l.cfg.Logger,
	})
	return loop.Run(ctx, task.Description)
}

// wrapWithTrackerSync closes/blocks the task's tracker entry on
// COMPLETE/FAIL and posts every other action's observation as a comment
// (spec §4.3 "syncs completion/failure back to the external tracker").
func wrapWithTrackerSync(reg *actions.Registry, trk tracker.Tracker, task TaskSpec) {
	if trk == nil || task.BDTaskID == "" {
		return
	}
	for _, name := range reg.Names() {
		name := name
		switch name {
		case "COMPLETE":
			_ = reg.Wrap(name, func(next actions.Handler) actions.Handler {
				return func(ctx context.Context, params actions.Params) (actions.Result, error) {
					result, err := next(ctx, params)
					if err == nil {
						_ = trk.CloseTask(ctx, task.BDTaskID, result.Output)
					}
					return result, err
				}
			})
		case "FAIL":
			_ = reg.Wrap(name, func(next actions.Handler) actions.Handler {
				return func(ctx context.Context, params actions.Params) (actions.Result, error) {
					result, err := next(ctx, params)
					reason, _ := params["error"].(string)
					if reason == "" {
						reason = result.Output
						if err != nil {
							reason = err.Error()
						}
					}
					_ = trk.BlockTask(ctx, task.BDTaskID, reason)
					return result, err
				}
			})
		default:
			_ = reg.Wrap(name, func(next actions.Handler) actions.Handler {
				return func(ctx context.Context, params actions.Params) (actions.Result, error) {
					result, err := next(ctx, params)
					comment := result.Output
					if err != nil {
						comment = err.Error()
					}
					if comment != "" {
						_ = trk.AddComment(ctx, task.BDTaskID, comment)
					}
					return result, err
				}
			})
		}
	}
}

// wrapWithNodeEvents records each action as a LoopNode: a running node is
// added before the call, then brought to a terminal status after, so
// loop.node.updated observers see per-step progress (spec §4.3
// "publishes loop.node.updated at each action completion").
func wrapWithNodeEvents(reg *actions.Registry, loopMgr *loopmgr.Manager, task TaskSpec) {
	if loopMgr == nil || task.LoopID == "" {
		return
	}
	for _, name := range reg.Names() {
		name := name
		_ = reg.Wrap(name, func(next actions.Handler) actions.Handler {
			return func(ctx context.Context, params actions.Params) (actions.Result, error) {
				node, nerr := loopMgr.AddNode(task.LoopID, loopmgr.LoopNode{
					Type: loopmgr.NodeExec, Status: loopmgr.NodeRunning, Title: name, AgentID: task.TaskID,
				})
				result, err := next(ctx, params)
				if nerr == nil {
					status := loopmgr.NodeDone
					if err != nil {
						status = loopmgr.NodeFailed
					}
					_ = loopMgr.UpdateNodeStatus(task.LoopID, node.ID, status)
				}
				return result, err
			}
		})
	}
}

// RegisterBuiltins registers the Executor Loop's primitive actions
// (spec §4.3: WRITE_FILE, READ_FILE, RUN_COMMAND, COMPLETE, FAIL) on reg.
func RegisterBuiltins(reg *actions.Registry) error {
	entries := []actions.Action{
		{
			Name:        "WRITE_FILE",
			Description: "writes content to a path, creating parent directories as needed",
			Parameters: []actions.Schema{
				{Name: "path", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
			Handler: writeFileHandler,
		},
		{
			Name:        "READ_FILE",
			Description: "reads a file's contents",
			Parameters:  []actions.Schema{{Name: "path", Type: "string", Required: true}},
			Handler:     readFileHandler,
		},
		{
			Name:        "RUN_COMMAND",
			Description: "runs a shell command and returns its combined output",
			Parameters:  []actions.Schema{{Name: "command", Type: "string", Required: true}},
			Handler:     runCommandHandler,
		},
		{
			Name:        "COMPLETE",
			Description: "declares the task done with a final observation",
			Parameters:  []actions.Schema{{Name: "observation", Type: "string"}},
			Handler:     completeHandler,
		},
		{
			Name:        "FAIL",
			Description: "declares the task unrecoverable with a reason",
			Parameters:  []actions.Schema{{Name: "error", Type: "string"}},
			Handler:     failHandler,
		},
	}
	for _, a := range entries {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func writeFileHandler(ctx context.Context, params actions.Params) (actions.Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	if path == "" {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "executor.WRITE_FILE", "path is required")
	}
	if err := fileutil.EnsureParentDir(path); err != nil {
		return actions.Result{}, fingerr.New(fingerr.Fatal, "executor.WRITE_FILE", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return actions.Result{}, fingerr.New(fingerr.Fatal, "executor.WRITE_FILE", err)
	}
	return actions.Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func readFileHandler(ctx context.Context, params actions.Params) (actions.Result, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "executor.READ_FILE", "path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return actions.Result{}, fingerr.New(fingerr.Fatal, "executor.READ_FILE", err)
	}
	return actions.Result{Output: string(data)}, nil
}

func runCommandHandler(ctx context.Context, params actions.Params) (actions.Result, error) {
	commandLine, _ := params["command"].(string)
	if commandLine == "" {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "executor.RUN_COMMAND", "command is required")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", commandLine)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return actions.Result{Output: string(out)}, fingerr.New(fingerr.Fatal, "executor.RUN_COMMAND", err)
	}
	return actions.Result{Output: string(out)}, nil
}

func completeHandler(ctx context.Context, params actions.Params) (actions.Result, error) {
	observation, _ := params["observation"].(string)
	return actions.Result{Output: observation}, nil
}

func failHandler(ctx context.Context, params actions.Params) (actions.Result, error) {
	reason, _ := params["error"].(string)
	return actions.Result{}, fingerr.Newf(fingerr.Validation, "executor.FAIL", "%s", reason)
}
