// Package mailbox implements the async request registry described in the
// Message Hub (spec §4.8/§6): every inbound request becomes a MailboxEntry
// keyed by a generated message id and cross-indexed by an externally chosen
// callback id, with monotonic status transitions toward a terminal state.
//
// Grounded on the teacher's unified task store
// (internal/domain/task/store.go): the Status/terminal-state split, the
// functional-options pattern for optional transition fields, and the
// single-mutex-guarded in-memory map are carried over and narrowed to the
// mailbox's smaller field set.
package mailbox

import (
	"errors"
	"sync"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/idutil"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
)

var errEmptyTarget = errors.New("mailbox: target must not be empty")

// Status is the lifecycle state of a MailboxEntry (spec §3 "MailboxEntry").
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses for monotonicity checks; a transition is only valid
// if it strictly increases rank (spec §5 "Mailbox: status transitions are
// monotonic ... A downgrade is a programmer error").
var rank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// Entry is a MailboxEntry snapshot (spec §3). Callers receive copies; the
// Mailbox itself owns the canonical record.
type Entry struct {
	MessageID  string
	Target     string
	Payload    any
	Sender     string
	CallbackID string
	Status     Status
	Result     any
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpdateParams holds the optional fields a status transition may set.
// Populated by UpdateOption functions, mirroring the teacher's
// TransitionOption pattern.
type UpdateParams struct {
	Result *any
	Error  *string
}

// UpdateOption customises an UpdateStatus call.
type UpdateOption func(*UpdateParams)

// WithResult attaches a result payload to the transition.
func WithResult(result any) UpdateOption {
	return func(p *UpdateParams) { p.Result = &result }
}

// WithError attaches an error string to the transition.
func WithError(errText string) UpdateOption {
	return func(p *UpdateParams) { p.Error = &errText }
}

func applyOptions(opts []UpdateOption) UpdateParams {
	var p UpdateParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Mailbox is the in-memory, bus-backed async request registry. Mutations are
// serialized by mu (spec §5 "mutations are serialized per component").
type Mailbox struct {
	bus     *eventbus.Bus
	clock   Clock
	metrics *metrics.Metrics

	mu         sync.Mutex
	byID       map[string]*Entry
	byCallback map[string]string // callbackId -> messageId
	perTarget  map[string][]string
	retainLast int
}

// New constructs an empty Mailbox. retainLast bounds the number of entries
// kept per target (spec §3 "default: keep last N per target"); 0 means
// unbounded.
func New(bus *eventbus.Bus, clock Clock, retainLast int) *Mailbox {
	if clock == nil {
		clock = time.Now
	}
	return &Mailbox{
		bus:        bus,
		clock:      clock,
		byID:       make(map[string]*Entry),
		byCallback: make(map[string]string),
		perTarget:  make(map[string][]string),
		retainLast: retainLast,
	}
}

// CreateMessage registers a new MailboxEntry and returns its message id.
// A non-empty callbackId must be unique; duplicates are rejected per spec
// §4.8 "duplicate callback identifiers are rejected".
func (m *Mailbox) CreateMessage(target string, payload any, sender, callbackID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == "" {
		return "", fingerr.New(fingerr.Validation, "mailbox.CreateMessage", errEmptyTarget)
	}
	if callbackID != "" {
		if _, exists := m.byCallback[callbackID]; exists {
			return "", fingerr.Newf(fingerr.Validation, "mailbox.CreateMessage", "duplicate callback id %q", callbackID)
		}
	} else {
		callbackID = idutil.NewCallbackID(m.clock())
	}

	now := m.clock()
	id := idutil.NewMessageID()
	entry := &Entry{
		MessageID:  id,
		Target:     target,
		Payload:    payload,
		Sender:     sender,
		CallbackID: callbackID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.byID[id] = entry
	m.byCallback[callbackID] = id
	m.perTarget[target] = append(m.perTarget[target], id)
	m.evictOldest(target)
	m.reportQueueDepthLocked()

	m.emit("task_started", entry)
	return id, nil
}

// SetMetrics wires the Mailbox's queue-depth gauge (SPEC_FULL.md's "mailbox
// queue depth" metric). Optional; nil disables the integration. Intended to
// be called once during daemon wiring, before the Mailbox serves traffic.
func (m *Mailbox) SetMetrics(metrics *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
	m.reportQueueDepthLocked()
}

// reportQueueDepthLocked refreshes the mailbox-queue-depth gauge with the
// current total entry count across every tracked target. Callers must hold
// m.mu.
func (m *Mailbox) reportQueueDepthLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetMailboxQueueDepth(len(m.byID))
}

// UpdateStatus transitions an entry's status, applying opts. The transition
// must strictly increase rank; a downgrade returns an error instead of
// silently applying (spec §5).
func (m *Mailbox) UpdateStatus(messageID string, status Status, opts ...UpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byID[messageID]
	if !ok {
		return fingerr.Newf(fingerr.Validation, "mailbox.UpdateStatus", "unknown message id %q", messageID)
	}
	if rank[status] <= rank[entry.Status] {
		return fingerr.Newf(fingerr.Validation, "mailbox.UpdateStatus", "illegal downgrade %s -> %s for %q", entry.Status, status, messageID)
	}

	params := applyOptions(opts)
	entry.Status = status
	entry.UpdatedAt = m.clock()
	if params.Result != nil {
		entry.Result = *params.Result
	}
	if params.Error != nil {
		entry.Error = *params.Error
	}

	eventType := "task_completed"
	if status == StatusFailed {
		eventType = "task_failed"
	} else if !status.IsTerminal() {
		eventType = "workflow_progress"
	}
	m.emit(eventType, entry)
	return nil
}

// GetMessage returns a snapshot of the entry, or an error if unknown.
func (m *Mailbox) GetMessage(messageID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[messageID]
	if !ok {
		return Entry{}, fingerr.Newf(fingerr.Validation, "mailbox.GetMessage", "unknown message id %q", messageID)
	}
	return *entry, nil
}

// GetMessageByCallbackID resolves a MailboxEntry by its externally chosen
// callback id in O(1).
func (m *Mailbox) GetMessageByCallbackID(callbackID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCallback[callbackID]
	if !ok {
		return Entry{}, fingerr.Newf(fingerr.Validation, "mailbox.GetMessageByCallbackID", "unknown callback id %q", callbackID)
	}
	return *m.byID[id], nil
}

// evictOldest enforces retainLast per target. Callers must hold m.mu.
func (m *Mailbox) evictOldest(target string) {
	if m.retainLast <= 0 {
		return
	}
	ids := m.perTarget[target]
	for len(ids) > m.retainLast {
		evictID := ids[0]
		entry, ok := m.byID[evictID]
		if !ok || entry.Status.IsTerminal() {
			ids = ids[1:]
			if ok {
				delete(m.byID, evictID)
				delete(m.byCallback, entry.CallbackID)
			}
			continue
		}
		// non-terminal entries are never evicted; stop trimming further
		break
	}
	m.perTarget[target] = ids
}

func (m *Mailbox) emit(eventType string, entry *Entry) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Event{
		Type:    eventType,
		TaskID:  entry.MessageID,
		Payload: *entry,
	})
}
