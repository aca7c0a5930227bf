// Package session owns the client's authoritative in-memory state: the
// conversation directory and the active session's message list. The
// Engine is the single mutator; stream callbacks and the poll timer both
// funnel their updates through it, which is what makes the
// dedup/unification invariants enforceable.
package session

import (
	"context"
	"sync"

	"github.com/youruser/parley/internal/api"
	"github.com/youruser/parley/internal/config"
	"github.com/youruser/parley/internal/logging"
	"github.com/youruser/parley/internal/stream"
)

var log = logging.Get()

// Engine reconciles locally optimistic state with eventually consistent
// server state. All exported methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	client     *api.Client
	cfg        *config.Config
	controller *stream.Controller

	conversations []Conversation
	activeID      string
	session       *ActiveSession

	generating   bool
	cancelled    bool
	cancelSend   context.CancelFunc
	streamMsgID  string // placeholder id of the message currently streaming
	pendingItem  string // first server item id observed during the active stream
	streamCursor string // watermark snapshot taken when the placeholder was appended
	onDelta      func(delta string)

	pollStop chan struct{}
	pollWG   sync.WaitGroup
}

// NewEngine creates an engine backed by the given gateway client.
func NewEngine(client *api.Client, cfg *config.Config) *Engine {
	return &Engine{
		client:     client,
		cfg:        cfg,
		controller: stream.NewController(),
	}
}

// SetDeltaHandler registers a callback invoked for each streamed
// content delta of the active generation. The callback runs outside the
// engine lock and may call back into the engine.
func (e *Engine) SetDeltaHandler(fn func(delta string)) {
	e.mu.Lock()
	e.onDelta = fn
	e.mu.Unlock()
}

// Generating reports whether a generation is in flight.
func (e *Engine) Generating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generating
}

// Messages returns a copy of the active session's message list, oldest
// first. Nil when no conversation is active.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	out := make([]Message, len(e.session.Messages))
	copy(out, e.session.Messages)
	return out
}

// Watermark returns the active session's last-seen-item cursor.
func (e *Engine) Watermark() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.LastItemID
}

// ResponseID returns the current generation's response identifier.
func (e *Engine) ResponseID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ResponseID
}

// Cancel aborts the outstanding generation request and any active
// stream. The generating flag clears immediately and a generating
// conversation reverts to active. The placeholder keeps whatever
// content it had accumulated.
func (e *Engine) Cancel() {
	e.mu.Lock()
	wasGenerating := e.generating
	cancel := e.cancelSend
	responseID := ""
	if wasGenerating {
		e.cancelled = true
		e.generating = false
		if e.session != nil {
			responseID = e.session.ResponseID
		}
	}
	if conv := e.findConversation(e.activeID); conv != nil && conv.Status == ConversationGenerating {
		conv.Status = ConversationActive
	}
	e.mu.Unlock()

	if !wasGenerating {
		return
	}

	e.controller.Cancel()
	if cancel != nil {
		cancel()
	}

	if responseID != "" {
		// Best effort; the request abort already stopped the stream.
		go func() {
			ctx, cancelReq := context.WithTimeout(context.Background(), e.cfg.Timeout())
			defer cancelReq()
			if err := e.client.CancelResponse(ctx, responseID); err != nil {
				log.Debug("Server-side response cancel failed: %v", err)
			}
		}()
	}
}

// Close stops background work. The engine is not reusable after Close.
func (e *Engine) Close() {
	e.Cancel()
	e.mu.Lock()
	e.stopPollingLocked()
	e.mu.Unlock()
	e.pollWG.Wait()
}

// findConversation returns a pointer into the directory, valid only
// while the lock is held.
func (e *Engine) findConversation(id string) *Conversation {
	if id == "" {
		return nil
	}
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			return &e.conversations[i]
		}
	}
	return nil
}

// findMessage returns a pointer into the session's message list, valid
// only while the lock is held.
func (e *Engine) findMessage(id string) *Message {
	if e.session == nil || id == "" {
		return nil
	}
	for i := range e.session.Messages {
		if e.session.Messages[i].ID == id {
			return &e.session.Messages[i]
		}
	}
	return nil
}

func (e *Engine) countRole(role string) int {
	if e.session == nil {
		return 0
	}
	n := 0
	for i := range e.session.Messages {
		if e.session.Messages[i].Role == role {
			n++
		}
	}
	return n
}
