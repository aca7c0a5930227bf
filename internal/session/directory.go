package session

import (
	"context"
	"sort"
	"strings"

	"github.com/youruser/parley/internal/api"
)

const titlePrompt = "Summarize the following chat message into a short conversation title " +
	"of at most six words. Reply with the title only, no quotes.\n\n"

// Conversations returns the directory entries, most recently created
// first.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conversation, len(e.conversations))
	copy(out, e.conversations)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// ActiveConversation returns a copy of the active directory entry, or
// nil when no conversation is active.
func (e *Engine) ActiveConversation() *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.findConversation(e.activeID)
	if conv == nil {
		return nil
	}
	out := *conv
	return &out
}

// NewConversation clears the active session so the next send starts a
// fresh thread. No server-side conversation is created until then.
// Refused while a generation is in flight; the streaming turn owns the
// session until it settles.
func (e *Engine) NewConversation() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generating {
		return ErrGenerationInProgress
	}
	e.stopPollingLocked()
	e.activeID = ""
	e.session = nil
	return nil
}

// SelectConversation activates a conversation by id, loading its full
// history from the server. Unknown ids are fetched and added to the
// directory, which is how a reloaded client re-attaches to a thread.
// The previous conversation keeps polling until the switch commits, so
// a failed fetch leaves it fully live.
func (e *Engine) SelectConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrGenerationInProgress
	}
	known := e.findConversation(id) != nil
	e.mu.Unlock()

	if !known {
		remote, err := e.client.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.findConversation(id) == nil {
			conv := Conversation{
				ID:        remote.ID,
				Title:     remote.Metadata["title"],
				CreatedAt: remote.CreatedAt,
				Status:    ConversationActive,
			}
			if conv.CreatedAt == 0 {
				conv.CreatedAt = nowMillis()
			}
			e.conversations = append(e.conversations, conv)
		}
		e.mu.Unlock()
	}

	items, cursor, err := e.client.ListItemsAfter(ctx, id, "")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPollingLocked()
	e.activeID = id
	e.session = &ActiveSession{ConversationID: id}
	e.mergeItems(items)
	e.session.LastItemID = cursor
	if conv := e.findConversation(id); conv != nil {
		conv.Status = ConversationActive
		conv.MessageCount = len(e.session.Messages)
		conv.LastActive = nowMillis()
	}
	e.startPollingLocked()
	return nil
}

// DeleteConversation deletes a conversation server-side and drops it
// from the directory. Deleting the active conversation clears the
// session and stops its polling.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.findConversation(id) == nil {
		e.mu.Unlock()
		return ErrConversationNotFound
	}
	if e.generating && id == e.activeID {
		e.mu.Unlock()
		return ErrGenerationInProgress
	}
	e.mu.Unlock()

	if err := e.client.DeleteConversation(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			e.conversations = append(e.conversations[:i], e.conversations[i+1:]...)
			break
		}
	}
	if e.activeID == id {
		e.stopPollingLocked()
		e.activeID = ""
		e.session = nil
	}
	return nil
}

// generateTitle runs the auxiliary title generation for a conversation:
// a non-persisted, non-streamed request summarizing the first user
// message, persisted onto the server-side metadata and mirrored into
// the directory. Failures are logged and swallowed; this path must
// never block or fail a send.
func (e *Engine) generateTitle(conversationID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout())
	defer cancel()

	resp, err := e.client.CreateResponse(ctx, api.ResponseRequest{
		Model: e.cfg.TitleModel,
		Input: []api.InputMessage{{Role: RoleUser, Content: titlePrompt + firstMessage}},
		Store: false,
	})
	if err != nil {
		log.Error("Title generation failed: %v", err)
		return
	}

	title := cleanTitle(resp.OutputText())
	if title == "" {
		return
	}

	if _, err := e.client.UpdateConversationMetadata(ctx, conversationID, map[string]string{"title": title}); err != nil {
		log.Error("Failed to persist title: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if conv := e.findConversation(conversationID); conv != nil {
		conv.Title = title
	}
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxTitle = 80
	if len(s) > maxTitle {
		s = s[:maxTitle]
	}
	return strings.TrimSpace(s)
}
