// Package httpapi implements the Message Hub's external surface (spec §6):
// an HTTP endpoint that turns a request into a MailboxEntry and dispatches
// it to a registered target handler, plus a WebSocket stream fanning out
// Event Bus events.
//
// Grounded on the pack's gin-based orchestrator service
// (services/orchestrator/routes/routes.go, services/orchestrator/handlers):
// route groups under an API version prefix, one handler function per
// route, JSON request/response via gin.Context. The dispatch-to-target
// concept itself has no teacher analogue (the teacher routes straight to
// RAG/chat handlers, not a named-target registry) and is built from
// spec.md §6's Message Hub description.
package httpapi

import (
	"context"
	"sync"

	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/mailbox"
)

// TargetHandler processes one dispatched MailboxEntry and returns its
// result, or an error that fails the entry.
type TargetHandler func(ctx context.Context, entry mailbox.Entry) (any, error)

// Hub owns the Mailbox and the registry of target handlers requests are
// dispatched to.
type Hub struct {
	Mailbox *mailbox.Mailbox

	mu       sync.RWMutex
	handlers map[string]TargetHandler
}

// NewHub constructs a Hub around an existing Mailbox.
func NewHub(mb *mailbox.Mailbox) *Hub {
	return &Hub{Mailbox: mb, handlers: make(map[string]TargetHandler)}
}

// RegisterTarget binds a target name to the handler that processes
// messages addressed to it. Registering the same name twice replaces the
// prior handler.
func (h *Hub) RegisterTarget(target string, handler TargetHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[target] = handler
}

// Dispatch creates a MailboxEntry for (target, payload, sender,
// callbackID) and, if a handler is registered for target, runs it
// synchronously to completion before returning (spec §6: "waits for
// completion before returning unless the caller's request is
// fire-and-forget" — this hub always waits; callers wanting fire-and-forget
// semantics should not block on the returned entry's terminal status).
// An unregistered target fails the entry immediately rather than leaving
// it pending forever.
func (h *Hub) Dispatch(ctx context.Context, target string, payload any, sender, callbackID string) (mailbox.Entry, error) {
	messageID, err := h.Mailbox.CreateMessage(target, payload, sender, callbackID)
	if err != nil {
		return mailbox.Entry{}, err
	}

	entry, err := h.Mailbox.GetMessage(messageID)
	if err != nil {
		return mailbox.Entry{}, err
	}

	h.mu.RLock()
	handler, ok := h.handlers[target]
	h.mu.RUnlock()

	if !ok {
		_ = h.Mailbox.UpdateStatus(messageID, mailbox.StatusFailed, mailbox.WithError("no handler registered for target "+target))
		return h.Mailbox.GetMessage(messageID)
	}

	if err := h.Mailbox.UpdateStatus(messageID, mailbox.StatusProcessing); err != nil {
		return mailbox.Entry{}, err
	}

	result, handlerErr := handler(ctx, entry)
	if handlerErr != nil {
		_ = h.Mailbox.UpdateStatus(messageID, mailbox.StatusFailed, mailbox.WithError(handlerErr.Error()))
		return h.Mailbox.GetMessage(messageID)
	}

	if err := h.Mailbox.UpdateStatus(messageID, mailbox.StatusCompleted, mailbox.WithResult(result)); err != nil {
		return mailbox.Entry{}, err
	}
	return h.Mailbox.GetMessage(messageID)
}

// GetByID returns the current snapshot of a message by id.
func (h *Hub) GetByID(messageID string) (mailbox.Entry, error) {
	entry, err := h.Mailbox.GetMessage(messageID)
	if err != nil {
		return mailbox.Entry{}, fingerr.New(fingerr.Validation, "httpapi.GetByID", err)
	}
	return entry, nil
}

// GetByCallbackID returns the current snapshot of a message by its
// caller-chosen callback id.
func (h *Hub) GetByCallbackID(callbackID string) (mailbox.Entry, error) {
	entry, err := h.Mailbox.GetMessageByCallbackID(callbackID)
	if err != nil {
		return mailbox.Entry{}, fingerr.New(fingerr.Validation, "httpapi.GetByCallbackID", err)
	}
	return entry, nil
}
