package session

import (
	"context"
	"strings"

	"github.com/youruser/parley/internal/api"
)

// mergeItems folds a batch of polled server items (oldest first) into
// the message list under the identity-unification policy:
//
//  1. an item whose id is already present refreshes that message in
//     place;
//  2. an item matching a local-identifier message by role and content
//     signature rewrites that message's id in place;
//  3. anything else is genuinely new and is appended.
//
// The merge is idempotent: replaying a batch, or overlapping pages,
// never changes the message count. Caller must hold e.mu and have a
// non-nil session. Returns how many messages were appended and whether
// a complete assistant message was seen.
func (e *Engine) mergeItems(items []api.Item) (appended int, sawAssistant bool) {
	for _, item := range items {
		switch item.Type {
		case "message":
		case "web_search_call":
			e.mergeSearchCall(item)
			continue
		default:
			// tool_call / tool_output items advance the watermark but
			// are not rendered.
			continue
		}

		if item.Role == RoleAssistant {
			sawAssistant = true
		}

		if existing := e.findMessage(item.ID); existing != nil {
			e.adoptServerItem(existing, item)
			continue
		}

		if idx := e.findUnifiable(item); idx >= 0 {
			m := &e.session.Messages[idx]
			if e.streamMsgID == m.ID {
				e.streamMsgID = item.ID
			}
			m.ID = item.ID
			e.adoptServerItem(m, item)
			continue
		}

		e.session.Messages = append(e.session.Messages, Message{
			ID:      item.ID,
			Role:    item.Role,
			Content: item.Content.Text,
			Status:  MessageComplete,
			// The API supplies no usable timestamps for history;
			// arrival order is the ordering.
		})
		appended++
	}
	return appended, sawAssistant
}

// adoptServerItem refreshes a known message from its server record. A
// message still mid-stream takes the server's content wholesale; the
// server copy is authoritative once the item exists.
func (e *Engine) adoptServerItem(m *Message, item api.Item) {
	if m.Status == MessageComplete {
		return
	}
	if item.Content.Text != "" {
		m.Content = item.Content.Text
	}
	m.Status = MessageComplete
}

// findUnifiable locates a local-identifier message that is the same
// logical turn as the polled item: same role, and either identical
// content or a streaming message whose accumulated content is a prefix
// of the item's. Newest first, since the pending turn is at the tail.
//
// The content-signature heuristic can misfire when two distinct turns
// share a role and a common prefix; that approximation is inherited
// from the protocol, which offers nothing stronger to correlate on.
func (e *Engine) findUnifiable(item api.Item) int {
	for i := len(e.session.Messages) - 1; i >= 0; i-- {
		m := &e.session.Messages[i]
		if !IsLocalID(m.ID) || m.Role != item.Role {
			continue
		}
		if m.Content == item.Content.Text {
			return i
		}
		if m.Status == MessageStreaming && strings.HasPrefix(item.Content.Text, m.Content) {
			return i
		}
	}
	return -1
}

// mergeSearchCall folds a polled web_search_call item into the
// sub-records of the most recent assistant message.
func (e *Engine) mergeSearchCall(item api.Item) {
	for i := len(e.session.Messages) - 1; i >= 0; i-- {
		if e.session.Messages[i].Role != RoleAssistant {
			continue
		}
		call := WebSearchCall{ID: item.ID, Status: SearchCallStatus(item.Status)}
		if item.Action != nil {
			call.Query = item.Action.Query
			call.URL = item.Action.URL
		}
		e.applySearchCall(e.session.Messages[i].ID, call)
		return
	}
}

// DeleteMessage deletes one item server-side and removes it from the
// session. If the deleted item was the polling watermark, the watermark
// recomputes to the newest remaining server-identified message.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoActiveConversation
	}
	if e.findMessage(id) == nil {
		e.mu.Unlock()
		return ErrMessageNotFound
	}
	convID := e.session.ConversationID
	e.mu.Unlock()

	// Placeholder-identified messages exist only locally; there is
	// nothing to delete server-side.
	if !IsLocalID(id) {
		if err := e.client.DeleteItem(ctx, convID, id); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.ConversationID != convID {
		return nil
	}

	e.removeMessage(id)
	if conv := e.findConversation(convID); conv != nil && conv.MessageCount > 0 {
		conv.MessageCount--
	}
	if e.session.LastItemID == id {
		e.session.LastItemID = e.newestServerItemID()
	}
	return nil
}

// newestServerItemID returns the id of the most recent message carrying
// a genuine server identifier, or "" when none remain.
func (e *Engine) newestServerItemID() string {
	for i := len(e.session.Messages) - 1; i >= 0; i-- {
		if !IsLocalID(e.session.Messages[i].ID) {
			return e.session.Messages[i].ID
		}
	}
	return ""
}
