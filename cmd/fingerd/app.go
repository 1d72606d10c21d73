// app.go is cmd/fingerd's composition root: it wires every leaf package
// from the dependency order in spec §2 ("Event Bus -> Mailbox -> Resource
// Pool -> Resumable Session Store -> Session Manager -> Loop Manager ->
// Action Registry -> ReAct Loop -> Kernel Bridge -> Executor Loop ->
// Orchestrator Phase Machine -> Daemon") into one App and registers the
// Message Hub targets from spec §6's CLI command mapping.
//
// Has no single teacher analogue -- the teacher's own binaries
// (cmd/alex-server, cmd/alex-web) wire their dependencies inline in main()
// rather than through a separate composition file -- but follows the same
// "build every leaf, pass them down by explicit construction" shape spec
// §9 calls for ("Avoid module-level mutable globals ... pass it explicitly
// through construction").
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/checkpoint"
	"github.com/Jasonzhangf/finger-sub001/internal/config"
	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/executor"
	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/httpapi"
	"github.com/Jasonzhangf/finger-sub001/internal/kernel"
	"github.com/Jasonzhangf/finger-sub001/internal/kernelagent"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
	"github.com/Jasonzhangf/finger-sub001/internal/loopmgr"
	"github.com/Jasonzhangf/finger-sub001/internal/mailbox"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
	"github.com/Jasonzhangf/finger-sub001/internal/orchestrator"
	"github.com/Jasonzhangf/finger-sub001/internal/react"
	"github.com/Jasonzhangf/finger-sub001/internal/resources"
	"github.com/Jasonzhangf/finger-sub001/internal/session"
	"github.com/Jasonzhangf/finger-sub001/internal/tracker"
)

// defaultProviderID names the kernel provider used when a request does not
// name one explicitly; provider selection/config editing is out of scope
// (spec §1).
const defaultProviderID = "default"

// App owns every long-lived component the daemon process serves.
type App struct {
	cfg *config.Config

	Logger          logging.Logger
	Bus             *eventbus.Bus
	Mailbox         *mailbox.Mailbox
	Pool            *resources.Pool
	Sessions        *session.Manager
	Loops           *loopmgr.Manager
	Checkpoints     *checkpoint.Store
	Tracker         tracker.Tracker
	Bridge          *kernel.Bridge
	Metrics         *metrics.Metrics
	MetricsRegistry *prometheus.Registry
	Hub             *httpapi.Hub

	execLoop *executor.Loop
}

// NewApp constructs every component in dependency order and wires the
// Message Hub's target handlers.
func NewApp(cfg *config.Config) (*App, error) {
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := logging.New(logWriter(), logging.ParseLevel(cfg.LogLevel))

	sink := eventbus.NewJSONSink(func(sessionID string) (eventbus.AppendCloser, error) {
		path := fmt.Sprintf("%s/logs/%s.jsonl", cfg.DataDir, sessionID)
		if err := fileutil.EnsureParentDir(path); err != nil {
			return nil, err
		}
		return openAppend(path)
	})
	bus := eventbus.New(eventbus.Config{
		MaxHistory: 2000,
		Sink:       sink,
		Logger:     logging.NewComponentLogger(logger, "eventbus"),
	})

	reg2 := prometheus.NewRegistry()
	m := metrics.New(reg2)

	mb := mailbox.New(bus, time.Now, 200)
	mb.SetMetrics(m)

	pool, err := resources.New(resources.Config{
		Path:    cfg.ResourcePoolSeedFile,
		Bus:     bus,
		Metrics: m,
		Clock:   time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("init resource pool: %w", err)
	}
	seedDefaultResources(pool)

	sessions, err := session.New(session.Config{
		Dir:   cfg.DataDir + "/sessions",
		Clock: time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	loops := loopmgr.New(loopmgr.Config{Bus: bus, Pool: pool, Clock: time.Now, Metrics: m})

	checkpoints := checkpoint.New(cfg.DataDir+"/sessions", time.Now)

	trk := tracker.NewInMemory(time.Now)

	bridge := kernel.New(kernel.Config{
		Resolver: func(providerID string) (string, []string, map[string]string, error) {
			return cfg.KernelBinary, cfg.KernelArgs, cfg.KernelEnv, nil
		},
		Retry:   kernel.DefaultRetryConfig(),
		Bus:     bus,
		Metrics: m,
	})

	reg := actions.New()
	if err := executor.RegisterBuiltins(reg); err != nil {
		return nil, fmt.Errorf("register executor builtins: %w", err)
	}
	execLoop := executor.New(executor.Config{
		Registry: reg,
		Tracker:  trk,
		Bus:      bus,
		LoopMgr:  loops,
	})

	hub := httpapi.NewHub(mb)

	app := &App{
		cfg:             cfg,
		Logger:          logger,
		Bus:             bus,
		Mailbox:         mb,
		Pool:            pool,
		Sessions:        sessions,
		Loops:           loops,
		Checkpoints:     checkpoints,
		Tracker:         trk,
		Bridge:          bridge,
		Metrics:         m,
		MetricsRegistry: reg2,
		Hub:             hub,
		execLoop:        execLoop,
	}
	app.registerTargets()
	return app, nil
}

// seedDefaultResources adds a minimal starter catalog the first time the
// pool file is empty, so a fresh install can dispatch at least one task of
// each role without the operator hand-editing the pool JSON first.
func seedDefaultResources(pool *resources.Pool) {
	if len(pool.GetStatusReport().ByType) > 0 {
		return
	}
	starters := []resources.Resource{
		{Name: "orchestrator-1", Type: resources.TypeOrchestrator, Capabilities: []resources.Capability{{Name: "planning", Level: 8}}},
		{Name: "executor-1", Type: resources.TypeExecutor, Capabilities: []resources.Capability{{Name: "file_ops", Level: 8}, {Name: "code", Level: 8}}},
		{Name: "executor-2", Type: resources.TypeExecutor, Capabilities: []resources.Capability{{Name: "web_search", Level: 6}}},
		{Name: "reviewer-1", Type: resources.TypeReviewer, Capabilities: []resources.Capability{{Name: "review", Level: 7}}},
	}
	for _, r := range starters {
		_ = pool.AddResource(r)
	}
}

// registerTargets binds every command from spec §6's "CLI command
// mapping" table onto the Hub. ORCHESTRATE is the fully-wired phase
// machine path; the narrower commands (understand/route/plan/execute/
// review) are thin session-log recorders since their agent-side behavior
// is explicitly out of scope (spec §1 "LLM prompt text ... out of scope").
func (a *App) registerTargets() {
	a.Hub.RegisterTarget("orchestrator", a.handleOrchestrate)
	for target, kind := range map[string]session.Kind{
		"understanding-agent": session.KindText,
		"router-agent":        session.KindText,
		"planner-agent":       session.KindPlanUpdate,
		"executor-agent":      session.KindTaskUpdate,
		"reviewer-agent":      session.KindText,
	} {
		kind := kind
		a.Hub.RegisterTarget(target, a.handleSessionRecorder(kind))
	}
}

// handleSessionRecorder returns a TargetHandler that appends the dispatched
// payload to the calling project's session log as an orchestrator-authored
// message, for the commands whose agent behavior is out of scope here.
func (a *App) handleSessionRecorder(kind session.Kind) httpapi.TargetHandler {
	return func(ctx context.Context, entry mailbox.Entry) (any, error) {
		sess, err := a.Sessions.AutoResume(ctx)
		if err != nil || sess == nil {
			sess, err = a.Sessions.CreateSession(ctx, ".", "default")
			if err != nil {
				return nil, err
			}
		}
		content := fmt.Sprintf("%v", entry.Payload)
		if err := a.Sessions.AddMessage(ctx, sess.ID, session.Message{
			Role:    session.RoleOrchestrator,
			Content: content,
			Kind:    kind,
		}); err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": sess.ID}, nil
	}
}

// handleOrchestrate drives the Orchestrator Phase Machine for one user
// task to a stop condition (spec §2 "Data flow of a typical task").
func (a *App) handleOrchestrate(ctx context.Context, entry mailbox.Entry) (any, error) {
	userTask := fmt.Sprintf("%v", entry.Payload)

	sess, err := a.Sessions.AutoResume(ctx)
	if err != nil || sess == nil {
		sess, err = a.Sessions.CreateSession(ctx, ".", "orchestrate")
		if err != nil {
			return nil, err
		}
	}
	epicID := "epic-" + sess.ID

	dispatcher := &executor.OrchestratorDispatcher{
		Loop:   a.execLoop,
		EpicID: epicID,
		Agents: func(task orchestrator.TaskNode, resourceID string) react.Agent {
			return kernelagent.New(kernelagent.Config{
				Bridge:     a.Bridge,
				SessionID:  sess.ID + "::" + task.ID,
				ProviderID: defaultProviderID,
				Timeout:    a.cfg.KernelTimeout,
			})
		},
	}

	machine, err := orchestrator.New(ctx, orchestrator.Dependencies{
		Pool:        a.Pool,
		LoopMgr:     a.Loops,
		Bus:         a.Bus,
		Tracker:     a.Tracker,
		Checkpoints: a.Checkpoints,
		Dispatcher:  dispatcher,
		Logger:      logging.NewComponentLogger(a.Logger, "orchestrator"),
		Metrics:     a.Metrics,
	}, sess.ID, epicID, userTask)
	if err != nil {
		return nil, err
	}

	planAgent := kernelagent.New(kernelagent.Config{
		Bridge:     a.Bridge,
		SessionID:  sess.ID + "::" + epicID,
		ProviderID: defaultProviderID,
		Timeout:    a.cfg.KernelTimeout,
	})

	result, err := machine.Drive(ctx, planAgent, nil, orchestrator.ReactTuning{
		MaxRounds:        40,
		OnStuck:          5,
		OnConvergence:    true,
		MaxRejections:    3,
		FormatFixRetries: 2,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"epicId":     epicID,
		"phase":      string(machine.Phase()),
		"stopReason": string(result.StopReason),
		"rounds":     result.Rounds,
	}, nil
}

// Shutdown tears down everything that owns a background goroutine or live
// child process.
func (a *App) Shutdown() {
	a.Bridge.Shutdown()
}
