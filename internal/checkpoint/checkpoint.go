// Package checkpoint implements the Resumable Session Store (spec §4.9):
// an append-only, per-session list of Checkpoints on disk, used by the
// Orchestrator Phase Machine to resume a session into the correct phase
// after a restart.
//
// Grounded on the teacher's internal/domain/agent/react/checkpoint.go
// (FileCheckpointStore): one JSON document per session directory, the
// same Save/Load/Delete port shape, and the "checkpoint is never mutated
// after write" discipline — generalized from the teacher's single
// latest-checkpoint-per-session file into an append-only JSONL log so
// every checkpoint in the session's history is retained until explicitly
// pruned by CleanupOldCheckpoints, per spec §3 "Persisted append-only per
// session".
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/idutil"
)

var (
	errEmptySessionID  = errors.New("checkpoint: session id must not be empty")
	errNonPositiveKeep = errors.New("checkpoint: keep must be positive")
)

// TaskProgress mirrors a TaskNode's status plus timing/iteration
// bookkeeping, as stored inside a Checkpoint (spec §3 "Checkpoint").
type TaskProgress struct {
	TaskID      string     `json:"taskId"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Iterations  int        `json:"iterations"`
	LastError   string     `json:"lastError,omitempty"`
}

// PhaseHistoryEntry records one phase transition for the monotonic history
// list (spec §3 invariant: "phase history is monotonic").
type PhaseHistoryEntry struct {
	From          string    `json:"from"`
	To            string    `json:"to"`
	TriggerAction string    `json:"triggerAction"`
	Timestamp     time.Time `json:"timestamp"`
}

// Checkpoint is an immutable snapshot for a session (spec §3).
type Checkpoint struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	Timestamp     time.Time              `json:"timestamp"`
	UserTask      string                 `json:"userTask"`
	Phase         string                 `json:"phase"`
	TaskProgress  []TaskProgress         `json:"taskProgress"`
	AgentStates   map[string]any         `json:"agentStates,omitempty"`
	Context       map[string]any         `json:"context,omitempty"`
	PhaseHistory  []PhaseHistoryEntry    `json:"phaseHistory,omitempty"`
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Store is the append-only Resumable Session Store. One JSONL file per
// session under Dir/<sessionId>.jsonl.
type Store struct {
	dir   string
	clock Clock
}

// New constructs a Store rooted at dir.
func New(dir string, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{dir: dir, clock: clock}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// CreateCheckpoint appends a new Checkpoint for sessionID and returns it.
func (s *Store) CreateCheckpoint(
	_ context.Context,
	sessionID, userTask, phase string,
	taskProgress []TaskProgress,
	agentStates map[string]any,
	ctxSnapshot map[string]any,
	phaseHistory []PhaseHistoryEntry,
) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, fingerr.New(fingerr.Validation, "checkpoint.CreateCheckpoint", errEmptySessionID)
	}
	cp := &Checkpoint{
		ID:           idutil.NewCheckpointID(),
		SessionID:    sessionID,
		Timestamp:    s.clock(),
		UserTask:     userTask,
		Phase:        phase,
		TaskProgress: taskProgress,
		AgentStates:  agentStates,
		Context:      ctxSnapshot,
		PhaseHistory: phaseHistory,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.CreateCheckpoint", err)
	}
	if err := fileutil.EnsureDir(s.dir); err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.CreateCheckpoint", err)
	}
	f, err := os.OpenFile(s.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.CreateCheckpoint", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.CreateCheckpoint", err)
	}
	return cp, nil
}

// loadAll reads every checkpoint for sessionID in file order (oldest first).
func (s *Store) loadAll(sessionID string) ([]Checkpoint, error) {
	data, err := fileutil.ReadFileOrEmpty(s.path(sessionID))
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.loadAll", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out []Checkpoint
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			return nil, fingerr.New(fingerr.Fatal, "checkpoint.loadAll", err)
		}
		out = append(out, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fingerr.New(fingerr.Fatal, "checkpoint.loadAll", err)
	}
	return out, nil
}

// FindLatestCheckpoint returns the most recent checkpoint for sessionID, or
// nil if none exists.
func (s *Store) FindLatestCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	all, err := s.loadAll(sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	latest := all[len(all)-1]
	return &latest, nil
}

// knownPhases lists every phase the Orchestrator Phase Machine recognizes
// (spec §4.2 "States"); anything else is indeterminate.
var knownPhases = map[string]bool{
	"understanding":     true,
	"high_design":       true,
	"detail_design":     true,
	"deliverables":      true,
	"plan":              true,
	"parallel_dispatch": true,
	"blocked_review":    true,
	"verify":            true,
	"completed":         true,
	"failed":            true,
	"replanning":        true,
	"paused":            true,
}

// DetermineResumePhase inspects the stored phase string and returns the
// phase the orchestrator should resume into, defaulting to "replanning"
// when indeterminate (spec §4.9).
func DetermineResumePhase(cp *Checkpoint) string {
	if cp == nil {
		return "replanning"
	}
	phase := strings.TrimSpace(cp.Phase)
	if phase == "" || !knownPhases[phase] {
		return "replanning"
	}
	if phase == "completed" || phase == "failed" {
		return "replanning"
	}
	return phase
}

// CleanupOldCheckpoints trims all but the most recent keep checkpoints for
// sessionID.
func (s *Store) CleanupOldCheckpoints(_ context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		return fingerr.New(fingerr.Validation, "checkpoint.CleanupOldCheckpoints", errNonPositiveKeep)
	}
	all, err := s.loadAll(sessionID)
	if err != nil {
		return err
	}
	if len(all) <= keep {
		return nil
	}
	trimmed := all[len(all)-keep:]

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, cp := range trimmed {
		if err := enc.Encode(cp); err != nil {
			return fingerr.New(fingerr.Fatal, "checkpoint.CleanupOldCheckpoints", err)
		}
	}
	if err := fileutil.AtomicWrite(s.path(sessionID), buf.Bytes(), 0o644); err != nil {
		return fingerr.New(fingerr.Fatal, "checkpoint.CleanupOldCheckpoints", err)
	}
	return nil
}
