package session

import (
	"context"
	"strings"

	"github.com/youruser/parley/internal/api"
	"github.com/youruser/parley/internal/sse"
	"github.com/youruser/parley/internal/stream"
)

// Send issues one user turn: the user message is appended optimistically
// before any network activity, the conversation is created lazily on the
// first send, and the assistant reply is merged in either streamed or
// whole. Send blocks until the turn completes, fails, or is cancelled.
//
// On a non-cancellation failure the conversation status flips to error
// and the error is returned; the optimistic user message is kept. A
// degraded-but-honest view beats silently dropping user input.
func (e *Engine) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrGenerationInProgress
	}
	e.mu.Unlock()

	// Conversation creation is deferred to the first send so abandoned
	// drafts never leave empty conversations behind on the server.
	if err := e.ensureConversation(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrGenerationInProgress
	}
	conv := e.findConversation(e.activeID)
	if conv == nil || e.session == nil {
		e.mu.Unlock()
		return ErrNoActiveConversation
	}

	e.session.Messages = append(e.session.Messages, Message{
		ID:        newLocalID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: nowMillis(),
		Status:    MessageComplete,
	})
	conv.MessageCount++
	conv.LastActive = nowMillis()
	conv.Status = ConversationGenerating

	e.generating = true
	e.cancelled = false
	e.pendingItem = ""
	e.streamMsgID = ""
	e.streamCursor = ""

	reqCtx, cancel := context.WithCancel(ctx)
	e.cancelSend = cancel

	req := api.ResponseRequest{
		Model:        e.cfg.DefaultModel,
		Conversation: e.activeID,
		Input:        []api.InputMessage{{Role: RoleUser, Content: text}},
		Store:        true,
	}
	if e.cfg.WebSearch() {
		req.Tools = []api.Tool{api.WebSearchTool()}
	}

	convID := e.activeID
	streaming := e.cfg.Streaming()
	firstTurn := conv.Title == "" && e.countRole(RoleUser) == 1
	e.mu.Unlock()
	defer cancel()

	if firstTurn && e.cfg.TitleModel != "" {
		go e.generateTitle(convID, text)
	}

	var sendErr error
	if streaming {
		sendErr = e.sendStreaming(reqCtx, req)
	} else {
		sendErr = e.sendUnary(reqCtx, req)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.generating = false
	e.cancelSend = nil

	conv = e.findConversation(convID)
	if e.cancelled {
		if conv != nil && conv.Status == ConversationGenerating {
			conv.Status = ConversationActive
		}
		return nil
	}
	if sendErr != nil {
		if conv != nil {
			conv.Status = ConversationError
		}
		if m := e.findMessage(e.streamMsgID); m != nil {
			m.Status = MessageError
		}
		e.streamMsgID = ""
		return sendErr
	}
	if conv != nil && conv.Status == ConversationGenerating {
		conv.Status = ConversationActive
	}
	return nil
}

// ensureConversation lazily creates and activates a conversation.
func (e *Engine) ensureConversation(ctx context.Context) error {
	e.mu.Lock()
	if e.activeID != "" {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	created, err := e.client.CreateConversation(ctx, nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv := Conversation{
		ID:         created.ID,
		CreatedAt:  created.CreatedAt,
		LastActive: nowMillis(),
		Status:     ConversationActive,
	}
	if conv.CreatedAt == 0 {
		conv.CreatedAt = nowMillis()
	}
	e.conversations = append(e.conversations, conv)
	e.activeID = created.ID
	e.session = &ActiveSession{ConversationID: created.ID}
	e.startPollingLocked()
	return nil
}

// sendStreaming appends a streaming placeholder and drives the stream
// controller, applying deltas in arrival order. On completion the
// placeholder's identifier resolves to the server item id observed
// during the stream, if any.
func (e *Engine) sendStreaming(ctx context.Context, req api.ResponseRequest) error {
	body, err := e.client.CreateResponseStream(ctx, req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// The session can vanish while the request is in flight if the
	// active conversation was cleared or deleted; abort the turn rather
	// than resurrect it.
	if e.session == nil {
		e.mu.Unlock()
		body.Close()
		return ErrNoActiveConversation
	}
	placeholder := Message{
		ID:        newLocalID(),
		Role:      RoleAssistant,
		Timestamp: nowMillis(),
		Status:    MessageStreaming,
	}
	e.session.Messages = append(e.session.Messages, placeholder)
	e.streamMsgID = placeholder.ID
	e.streamCursor = e.session.LastItemID
	e.mu.Unlock()

	var streamErr error
	e.controller.Start(body, stream.Handlers{
		OnChunk:   e.observeFrame,
		OnContent: e.appendDelta,
		OnError:   func(err error) { streamErr = err },
	})
	if streamErr != nil {
		return streamErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizeStreamLocked()
	return nil
}

// finalizeStreamLocked settles the streaming placeholder once the
// stream has ended: its identifier resolves to the server item id per
// the unification policy, its status flips to complete, and the
// watermark advances. Idempotent against a poll having unified the same
// turn first. Caller must hold e.mu.
func (e *Engine) finalizeStreamLocked() {
	m := e.findMessage(e.streamMsgID)
	if e.cancelled {
		// The placeholder stays at whatever content it accumulated.
		// An interrupted reply is still a finished one from the
		// session's point of view, so it is marked complete.
		if m != nil && m.Status == MessageStreaming {
			m.Status = MessageComplete
		}
		e.streamMsgID = ""
		e.streamCursor = ""
		return
	}

	alreadyCounted := false
	if m != nil {
		if e.pendingItem != "" && m.ID != e.pendingItem {
			if e.findMessage(e.pendingItem) != nil {
				// A poll unified this turn first under the server id;
				// the placeholder is the duplicate.
				e.removeMessage(m.ID)
				m = e.findMessage(e.pendingItem)
				alreadyCounted = true
			} else {
				m.ID = e.pendingItem
			}
		}
		if m != nil {
			m.Status = MessageComplete
		}
	}
	// Advance the watermark only if no poll moved it while the stream
	// ran; the watermark never goes backwards except on deletion.
	if e.pendingItem != "" && e.session != nil && e.session.LastItemID == e.streamCursor {
		e.session.LastItemID = e.pendingItem
	}
	if conv := e.findConversation(e.activeID); conv != nil {
		if !alreadyCounted {
			conv.MessageCount++
		}
		conv.LastActive = nowMillis()
	}
	e.streamMsgID = ""
	e.streamCursor = ""
}

// sendUnary awaits the whole response envelope and appends a single
// complete assistant message.
func (e *Engine) sendUnary(ctx context.Context, req api.ResponseRequest) error {
	resp, err := e.client.CreateResponse(ctx, req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.session == nil {
		return nil
	}

	id := resp.OutputItemID()
	if id == "" {
		id = newLocalID()
	}
	e.session.ResponseID = resp.ID
	e.session.Messages = append(e.session.Messages, Message{
		ID:        id,
		Role:      RoleAssistant,
		Content:   resp.OutputText(),
		Timestamp: nowMillis(),
		Status:    MessageComplete,
	})
	if !IsLocalID(id) {
		e.session.LastItemID = id
	}
	if conv := e.findConversation(e.activeID); conv != nil {
		conv.MessageCount++
		conv.LastActive = nowMillis()
	}
	return nil
}

// observeFrame captures out-of-band stream metadata: the generation's
// response id, the server item id for the streaming message (first one
// wins), and web-search call progress.
func (e *Engine) observeFrame(frame sse.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Response != nil && frame.Response.ID != "" && e.session != nil {
		e.session.ResponseID = frame.Response.ID
	}

	if strings.HasPrefix(frame.Type, "response.web_search_call.") {
		status := SearchCallStatus(strings.TrimPrefix(frame.Type, "response.web_search_call."))
		e.applySearchCall(e.streamMsgID, WebSearchCall{ID: frame.ItemID, Status: status})
		return
	}

	// Web-search call ids identify the tool call, not the message, so
	// they must not win the identity race.
	if frame.ItemID != "" && e.pendingItem == "" {
		e.pendingItem = frame.ItemID
	}
}

func (e *Engine) appendDelta(delta string) {
	e.mu.Lock()
	var fn func(string)
	// A poll can adopt the server's full copy mid-stream, completing
	// the message; deltas still draining from the stream are then
	// already part of that content and must not re-append.
	if m := e.findMessage(e.streamMsgID); m != nil && m.Status == MessageStreaming {
		m.Content += delta
		fn = e.onDelta
	}
	e.mu.Unlock()
	if fn != nil {
		fn(delta)
	}
}

// applySearchCall attaches or updates a web-search sub-record on the
// given message.
func (e *Engine) applySearchCall(msgID string, call WebSearchCall) {
	m := e.findMessage(msgID)
	if m == nil || call.ID == "" {
		return
	}
	for i := range m.SearchCalls {
		if m.SearchCalls[i].ID == call.ID {
			m.SearchCalls[i].Status = call.Status
			if call.Query != "" {
				m.SearchCalls[i].Query = call.Query
			}
			if call.URL != "" {
				m.SearchCalls[i].URL = call.URL
			}
			return
		}
	}
	m.SearchCalls = append(m.SearchCalls, call)
}

func (e *Engine) removeMessage(id string) {
	if e.session == nil {
		return
	}
	for i := range e.session.Messages {
		if e.session.Messages[i].ID == id {
			e.session.Messages = append(e.session.Messages[:i], e.session.Messages[i+1:]...)
			return
		}
	}
}
