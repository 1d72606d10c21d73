// Package daemon implements the Daemon Supervisor (spec §4.11): PID-file
// and process-group based lifecycle management for the daemon's own
// long-running children (the HTTP/WS server, autostart agent processes),
// plus the autostart manifest loader and heartbeat broadcaster that sit on
// top of it.
//
// ProcessManager below is grounded on the teacher's
// internal/devops/process.Manager: the same pgid + PID-file + identity
// (via `ps -ww -o command=`) adoption scheme, generalized from a generic
// devops process wrapper to the supervisor's two concrete dependents
// (server child, autostart agent children) and rewired to share
// fileutil.AtomicWrite instead of its own inline copy.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
)

// ManagedProcess is one process the supervisor tracks: either the
// daemon's own HTTP/WS server or one autostart agent.
type ManagedProcess struct {
	Name      string
	PIDFile   string
	MetaFile  string
	LogFile   string
	Cmd       *exec.Cmd
	PID       int
	PGID      int
	StartedAt time.Time

	logHandle *os.File
}

// ProcessManager owns every ManagedProcess the supervisor has started or
// recovered, keyed by name.
type ProcessManager struct {
	pidDir    string
	logDir    string
	processes map[string]*ManagedProcess
	mu        sync.Mutex
}

// NewProcessManager constructs a ProcessManager rooted at pidDir/logDir.
func NewProcessManager(pidDir, logDir string) *ProcessManager {
	return &ProcessManager{
		pidDir:    pidDir,
		logDir:    logDir,
		processes: make(map[string]*ManagedProcess),
	}
}

// Start launches cmd in its own process group, redirects its output to a
// per-name log file unless the caller already set one, and records a
// PID file + identity metadata file so a later process can adopt it
// after a supervisor restart.
func (m *ProcessManager) Start(ctx context.Context, name string, cmd *exec.Cmd) (*ManagedProcess, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := fileutil.EnsureDir(m.pidDir); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if err := fileutil.EnsureDir(m.logDir); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	logFile := filepath.Join(m.logDir, name+".log")
	var logHandle *os.File
	if cmd.Stdout == nil {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logHandle = f
	}

	if err := cmd.Start(); err != nil {
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	pgid, _ := syscall.Getpgid(pid)
	identity, err := processCommandLine(pid)
	if err != nil || identity == "" {
		identity = commandIdentityFromCmd(cmd)
	}

	mp := &ManagedProcess{
		Name:      name,
		PIDFile:   filepath.Join(m.pidDir, name+".pid"),
		MetaFile:  pidMetaFile(filepath.Join(m.pidDir, name+".pid")),
		LogFile:   logFile,
		Cmd:       cmd,
		PID:       pid,
		PGID:      pgid,
		StartedAt: time.Now(),
		logHandle: logHandle,
	}

	if err := writePIDState(mp.PIDFile, mp.MetaFile, pid, identity); err != nil {
		_ = cmd.Process.Kill()
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("write pid state for %s: %w", name, err)
	}
	m.processes[name] = mp

	go func() {
		_ = cmd.Wait()
		if mp.logHandle != nil {
			_ = mp.logHandle.Close()
		}

		removePIDFiles := false
		m.mu.Lock()
		if current := m.processes[name]; current == mp {
			delete(m.processes, name)
			removePIDFiles = true
		}
		m.mu.Unlock()
		if removePIDFiles {
			cleanupPIDState(mp.PIDFile, mp.MetaFile)
		}
	}()

	return mp, nil
}

// Stop requests graceful shutdown of the named process, falling back to
// whatever a stale PID file claims if the supervisor itself isn't
// tracking it in memory (e.g. after a supervisor restart).
func (m *ProcessManager) Stop(_ context.Context, name string) error {
	m.mu.Lock()
	mp, tracked := m.processes[name]
	m.mu.Unlock()

	if tracked && mp.Cmd != nil && mp.Cmd.Process != nil {
		return m.killProcess(mp.PGID, mp.PID, mp.PIDFile)
	}

	pidFile := filepath.Join(m.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	return m.killProcess(pgid, pid, pidFile)
}

// StopAll stops every tracked process (spec §4.11 graceful shutdown:
// "stop autostart agents ... before removing the PID file").
func (m *ProcessManager) StopAll(_ context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.processes))
	for name := range m.processes {
		names = append(names, name)
	}
	m.mu.Unlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(context.Background(), name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IsRunning reports whether name is alive, either via the in-memory
// record or a surviving PID file.
func (m *ProcessManager) IsRunning(name string) (bool, int) {
	m.mu.Lock()
	mp, tracked := m.processes[name]
	m.mu.Unlock()

	if tracked && mp.Cmd != nil && mp.Cmd.Process != nil {
		if isProcessAlive(mp.PID) {
			return true, mp.PID
		}
		return false, 0
	}

	pidFile := filepath.Join(m.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false, 0
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return false, 0
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return false, 0
	}
	return true, pid
}

// Recover adopts a process that survived a supervisor restart, verifying
// its identity against the recorded metadata before trusting the PID.
func (m *ProcessManager) Recover(name string) (*ManagedProcess, error) {
	pidFile := filepath.Join(m.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return nil, fmt.Errorf("read pid file for %s: %w", name, err)
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil, fmt.Errorf("process %s (pid %d) not running", name, pid)
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil, fmt.Errorf("process %s (pid %d) identity mismatch", name, pid)
	}

	pgid, _ := syscall.Getpgid(pid)
	mp := &ManagedProcess{
		Name:     name,
		PIDFile:  pidFile,
		MetaFile: metaFile,
		LogFile:  filepath.Join(m.logDir, name+".log"),
		PID:      pid,
		PGID:     pgid,
	}

	m.mu.Lock()
	m.processes[name] = mp
	m.mu.Unlock()

	return mp, nil
}

// killProcess sends SIGTERM to the process group (or the bare pid if no
// group was recorded), polls for up to 5s, then escalates to SIGKILL.
func (m *ProcessManager) killProcess(pgid, pid int, pidFile string) error {
	metaFile := pidMetaFile(pidFile)
	target := -pgid
	if pgid == 0 {
		target = pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			cleanupPIDState(pidFile, metaFile)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	cleanupPIDState(pidFile, metaFile)
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	firstLine := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	firstLine = strings.TrimPrefix(strings.TrimSpace(firstLine), "pid=")
	return strconv.Atoi(firstLine)
}

type pidMetadata struct {
	Command string `json:"command"`
}

func pidMetaFile(pidFile string) string {
	return pidFile + ".meta"
}

func writePIDState(pidFile, metaFile string, pid int, identity string) error {
	if err := fileutil.AtomicWrite(pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	if strings.TrimSpace(identity) == "" {
		return nil
	}
	return writePIDMetadata(metaFile, identity)
}

func writePIDMetadata(path, identity string) error {
	meta := pidMetadata{Command: normalizeCommandLine(identity)}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return fileutil.AtomicWrite(path, data, 0o644)
}

func readPIDMetadata(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var meta pidMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return normalizeCommandLine(meta.Command), nil
}

func cleanupPIDState(pidFile, metaFile string) {
	_ = os.Remove(pidFile)
	_ = os.Remove(metaFile)
}

// identityMatches compares a live process's actual command line against
// the metadata recorded at start time. A PID file with no metadata (from
// a legacy layout) is adopted rather than rejected.
func identityMatches(metaFile string, pid int) bool {
	actual, err := processCommandLine(pid)
	if err != nil {
		return false
	}

	expected, err := readPIDMetadata(metaFile)
	if err != nil {
		_ = writePIDMetadata(metaFile, actual)
		return true
	}

	return normalizeCommandLine(expected) == normalizeCommandLine(actual)
}

func processCommandLine(pid int) (string, error) {
	out, err := exec.Command("ps", "-ww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	line := normalizeCommandLine(string(out))
	if line == "" {
		return "", fmt.Errorf("empty command line for pid %d", pid)
	}
	return line, nil
}

func commandIdentityFromCmd(cmd *exec.Cmd) string {
	if cmd == nil {
		return ""
	}
	if len(cmd.Args) > 0 {
		return normalizeCommandLine(strings.Join(cmd.Args, " "))
	}
	return normalizeCommandLine(cmd.Path)
}

func normalizeCommandLine(command string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
}
