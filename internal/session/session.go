// Package session implements the Session Manager (spec §4.8): Sessions
// keyed by identity and cross-indexed by project directory, loaded from
// disk at boot (supporting both the legacy flat layout and the current
// per-project bucketed layout), with an LRU cache bounding in-memory
// residency and a simple context-compression summarizer.
//
// Grounded on the teacher's internal/app/agent/coordinator/session_manager.go
// for the Get/Create/Save/List shape, mutex-guarded save path, and
// clock-stamped UpdatedAt discipline; the LRU cache follows the teacher's
// internal/infra/llm/factory.go use of hashicorp/golang-lru/v2.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/idutil"
)

// ErrNotFound is returned when a session identity is unknown.
var ErrNotFound = errors.New("session: not found")

// Role is a Message's author role (spec §3 "Message").
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystem      Role = "system"
	RoleOrchestrator Role = "orchestrator"
)

// Kind tags a Message's purpose.
type Kind string

const (
	KindText       Kind = "text"
	KindCommand    Kind = "command"
	KindPlanUpdate Kind = "plan_update"
	KindTaskUpdate Kind = "task_update"
)

// Message is one entry in a Session's log (spec §3 "Message"). Content must
// be non-empty after trimming.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Kind        Kind      `json:"kind,omitempty"`
}

// Session is the persisted per-session record (spec §3 "Session").
type Session struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"displayName"`
	ProjectDir     string         `json:"projectDir"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	Messages       []Message      `json:"messages"`
	WorkflowIDs    []string       `json:"workflowIds,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.WorkflowIDs = append([]string(nil), s.WorkflowIDs...)
	if s.Context != nil {
		cp.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// CompressionThreshold is the default message-count trigger for
// compressContext (spec §4.8 "trims the oldest messages beyond a
// threshold").
const CompressionThreshold = 50

// Manager owns Sessions, bucketed on disk by project directory, cached in
// an LRU of bounded size. Operations are serial per process (spec §4.8).
type Manager struct {
	mu       sync.Mutex
	dir      string
	clock    Clock
	cache    *lru.Cache[string, *Session]
	byID     map[string]string // sessionID -> projectBucket (for non-cached lookups)
}

// Config configures a new Manager.
type Config struct {
	Dir       string // root directory, e.g. ~/.finger/sessions
	Clock     Clock
	CacheSize int // LRU capacity; 0 defaults to 256
}

// New constructs a Manager and loads the on-disk index of session ->
// project bucket (without populating the LRU cache eagerly).
func New(cfg Config) (*Manager, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *Session](cacheSize)
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "session.New", err)
	}
	m := &Manager{
		dir:   cfg.Dir,
		clock: clock,
		cache: cache,
		byID:  make(map[string]string),
	}
	if cfg.Dir != "" {
		if err := m.indexExisting(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func projectBucket(projectDir string) string {
	trimmed := strings.Trim(filepath.ToSlash(projectDir), "/")
	if trimmed == "" {
		return "_root"
	}
	return strings.ReplaceAll(trimmed, "/", "_")
}

// indexExisting walks the root directory, recognizing both the current
// per-project bucketed layout (Dir/<bucket>/<sessionId>.json) and the
// legacy flat layout (Dir/<sessionId>.json), and records sessionID ->
// bucket (bucket == "" for legacy flat files) without loading bodies.
func (m *Manager) indexExisting() error {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fingerr.New(fingerr.Fatal, "session.indexExisting", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			bucket := name
			sub, err := os.ReadDir(filepath.Join(m.dir, bucket))
			if err != nil {
				continue
			}
			for _, f := range sub {
				if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
					id := strings.TrimSuffix(f.Name(), ".json")
					m.byID[id] = bucket
				}
			}
			continue
		}
		if strings.HasSuffix(name, ".json") {
			id := strings.TrimSuffix(name, ".json")
			m.byID[id] = "" // legacy flat layout
		}
	}
	return nil
}

func (m *Manager) pathFor(sessionID, bucket string) string {
	if bucket == "" {
		return filepath.Join(m.dir, sessionID+".json")
	}
	return filepath.Join(m.dir, bucket, sessionID+".json")
}

// CreateSession allocates a new Session bound to projectDir.
func (m *Manager) CreateSession(_ context.Context, projectDir, displayName string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	s := &Session{
		ID:             idutil.NewSessionID(),
		DisplayName:    displayName,
		ProjectDir:     projectDir,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Context:        make(map[string]any),
	}
	if err := m.saveLocked(s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// GetSession returns a Session by id, loading from disk on a cache miss.
func (m *Manager) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(sessionID)
}

func (m *Manager) getLocked(sessionID string) (*Session, error) {
	if cached, ok := m.cache.Get(sessionID); ok {
		return cached.clone(), nil
	}
	bucket, known := m.byID[sessionID]
	if !known {
		return nil, fingerr.Newf(fingerr.Validation, "session.GetSession", "%w: %q", ErrNotFound, sessionID)
	}
	data, err := fileutil.ReadFileOrEmpty(m.pathFor(sessionID, bucket))
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "session.GetSession", err)
	}
	if data == nil {
		return nil, fingerr.Newf(fingerr.Validation, "session.GetSession", "%w: %q", ErrNotFound, sessionID)
	}
	s, err := unmarshalSession(data)
	if err != nil {
		return nil, err
	}
	m.cache.Add(sessionID, s)
	return s.clone(), nil
}

// AddMessage appends msg to the session's log and persists the session.
// Content must be non-empty after trimming (spec §3 invariant).
func (m *Manager) AddMessage(_ context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(msg.Content) == "" {
		return fingerr.New(fingerr.Validation, "session.AddMessage", errEmptyContent)
	}
	s, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = idutil.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = m.clock()
	return m.saveLocked(s)
}

// CompressContext trims messages beyond CompressionThreshold into a
// summary stored under context["compressedHistory"] (spec §4.8). The
// default summarizer concatenates up to 100 characters per user message
// plus the set of distinct task identifiers referenced.
func (m *Manager) CompressContext(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(sessionID)
	if err != nil {
		return err
	}
	if len(s.Messages) <= CompressionThreshold {
		return nil
	}
	cut := len(s.Messages) - CompressionThreshold
	toCompress := s.Messages[:cut]
	preserved := append([]Message(nil), s.Messages[cut:]...)

	summary, taskIDs := summarize(toCompress)
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context["compressedHistory"] = map[string]any{
		"summary": summary,
		"taskIds": taskIDs,
	}
	s.Messages = preserved
	s.UpdatedAt = m.clock()
	return m.saveLocked(s)
}

func summarize(messages []Message) (string, []string) {
	var b strings.Builder
	taskSet := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == RoleUser {
			excerpt := msg.Content
			if len(excerpt) > 100 {
				excerpt = excerpt[:100]
			}
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(excerpt)
		}
		if msg.TaskID != "" {
			taskSet[msg.TaskID] = true
		}
	}
	taskIDs := make([]string, 0, len(taskSet))
	for id := range taskSet {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	return b.String(), taskIDs
}

// DeleteSession removes the on-disk file and cleans an empty per-project
// directory (spec §4.8).
func (m *Manager) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, known := m.byID[sessionID]
	if !known {
		return nil
	}
	path := m.pathFor(sessionID, bucket)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fingerr.New(fingerr.Fatal, "session.DeleteSession", err)
	}
	delete(m.byID, sessionID)
	m.cache.Remove(sessionID)

	if bucket != "" {
		bucketDir := filepath.Join(m.dir, bucket)
		entries, err := os.ReadDir(bucketDir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(bucketDir)
		}
	}
	return nil
}

// AutoResume selects the most-recently-accessed session across all known
// sessions, or nil if none exist.
func (m *Manager) AutoResume(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var best *Session
	for _, id := range ids {
		s, err := m.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if best == nil || s.LastAccessedAt.After(best.LastAccessedAt) {
			best = s
		}
	}
	return best, nil
}

func (m *Manager) saveLocked(s *Session) error {
	bucket := projectBucket(s.ProjectDir)
	data, err := fileutil.MarshalJSONIndent(s)
	if err != nil {
		return fingerr.New(fingerr.Fatal, "session.save", err)
	}
	if m.dir != "" {
		if err := fileutil.AtomicWrite(m.pathFor(s.ID, bucket), data, 0o644); err != nil {
			return fingerr.New(fingerr.Fatal, "session.save", err)
		}
	}
	m.byID[s.ID] = bucket
	m.cache.Add(s.ID, s.clone())
	return nil
}

func unmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fingerr.New(fingerr.Fatal, "session.unmarshal", err)
	}
	return &s, nil
}

var errEmptyContent = errors.New("session: message content must not be empty after trimming")
