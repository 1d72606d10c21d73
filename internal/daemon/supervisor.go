// Supervisor implements the Daemon Supervisor's start/stop/restart
// sequencing (spec §4.11), built on top of the ProcessManager in this
// package. Has no single teacher analogue for the sequencing itself (the
// teacher never supervises itself, only external processes via
// internal/devops/process), so the ordering below is read directly off
// the spec's own "on start"/"on stop" prose rather than copied from a
// teacher call site.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
)

// serverProcessName is the ManagedProcess key the supervisor uses for its
// own detached HTTP/WS server child.
const serverProcessName = "server"

// DefaultStartupDelay is how long the supervisor waits after launching the
// server child before it starts registering autostart modules, giving the
// server time to bind its listeners.
const DefaultStartupDelay = 500 * time.Millisecond

// ModuleRegistrar registers a discovered autostart manifest against the
// running daemon (spec: "by calling the daemon's own module-register
// endpoint").
type ModuleRegistrar interface {
	RegisterModule(ctx context.Context, manifest ModuleManifest) error
}

// AgentPool launches and tears down the autostart agents the supervisor
// discovers (spec: "kick off autostart agents through the agent pool").
type AgentPool interface {
	Launch(ctx context.Context, manifest ModuleManifest) error
	StopAll(ctx context.Context) error
}

// Supervisor owns the daemon's own lifecycle: its PID file, its detached
// server child, the heartbeat broadcaster, and autostart module/agent
// registration.
type Supervisor struct {
	PIDFile      string
	AutostartDir string
	HTTPAddr     string
	WSAddr       string
	StartupDelay time.Duration

	Processes  *ProcessManager
	Heartbeat  *Heartbeat
	Registrar  ModuleRegistrar
	Agents     AgentPool
	Logger     logging.Logger
}

// Start implements the spec's "on start" sequence: clear any stale PID
// file or port holder, launch the server as a detached child, record the
// server child's PID in PIDFile, wait for the startup delay, discover and register
// every autostart manifest, then start the heartbeat broadcaster.
func (s *Supervisor) Start(ctx context.Context, serverCmd *exec.Cmd) error {
	logger := logging.OrNop(s.Logger)

	if err := s.clearStalePIDFile(); err != nil {
		logger.Warn("clear stale daemon pid file: %v", err)
	}
	for _, addr := range []string{s.HTTPAddr, s.WSAddr} {
		if err := killPortHolder(addr); err != nil {
			logger.Warn("free port %s: %v", addr, err)
		}
	}

	server, err := s.Processes.Start(ctx, serverProcessName, serverCmd)
	if err != nil {
		return fmt.Errorf("start server child: %w", err)
	}

	if err := fileutil.AtomicWrite(s.PIDFile, []byte(strconv.Itoa(server.PID)), 0o644); err != nil {
		return fmt.Errorf("write daemon pid file: %w", err)
	}

	delay := s.StartupDelay
	if delay <= 0 {
		delay = DefaultStartupDelay
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	manifests, err := LoadManifests(s.AutostartDir)
	if err != nil {
		return fmt.Errorf("load autostart manifests: %w", err)
	}
	for _, manifest := range manifests {
		if s.Registrar != nil {
			if err := s.Registrar.RegisterModule(ctx, manifest); err != nil {
				logger.Error("register autostart module %s: %v", manifest.Name, err)
				continue
			}
		}
		if s.Agents != nil {
			if err := s.Agents.Launch(ctx, manifest); err != nil {
				logger.Error("launch autostart agent %s: %v", manifest.Name, err)
			}
		}
	}

	if s.Heartbeat != nil {
		s.Heartbeat.Start()
	}
	return nil
}

// Stop implements the spec's "on stop" sequence: stop autostart agents,
// stop the heartbeat, kill the server child, remove the PID file.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.Agents != nil {
		if err := s.Agents.StopAll(ctx); err != nil {
			logging.OrNop(s.Logger).Warn("stop autostart agents: %v", err)
		}
	}
	if s.Heartbeat != nil {
		s.Heartbeat.Stop()
	}

	err := s.Processes.Stop(ctx, serverProcessName)
	_ = os.Remove(s.PIDFile)
	return err
}

// Restart stops then starts the daemon.
func (s *Supervisor) Restart(ctx context.Context, serverCmd *exec.Cmd) error {
	if err := s.Stop(ctx); err != nil {
		logging.OrNop(s.Logger).Warn("stop during restart: %v", err)
	}
	return s.Start(ctx, serverCmd)
}

// IsRunning probes the daemon's own PID file and checks the PID is alive
// (spec: "isRunning() probes the PID file and checks that the PID is
// alive").
func (s *Supervisor) IsRunning() (bool, int) {
	data, err := os.ReadFile(s.PIDFile)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}
	if !isProcessAlive(pid) {
		return false, 0
	}
	return true, pid
}

func (s *Supervisor) clearStalePIDFile() error {
	running, _ := s.IsRunning()
	if running {
		return nil
	}
	if err := os.Remove(s.PIDFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// killPortHolder frees a configured bind address before the server child
// starts (spec: "remove any process holding the configured HTTP/WebSocket
// ports"). Best-effort: absence of `lsof` or an unparsable address is not
// a fatal error, since the subsequent bind attempt will surface a clearer
// one if the port really is still held.
func killPortHolder(addr string) error {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port = addr[idx+1:]
	}
	if port == "" {
		return nil
	}

	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err != nil {
		return nil
	}
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		_ = exec.Command("kill", "-TERM", strconv.Itoa(pid)).Run()
	}
	return nil
}
