package session

import (
	"context"
	"time"
)

const fallbackPollInterval = 5 * time.Second

// PollOnce asks the gateway for every item newer than the session's
// watermark and merges the result. A polled complete assistant message
// while a generation is in flight is authoritative completion evidence:
// it clears the generating flag even if the stream's own completion
// signal was lost.
//
// Poll failures are the caller's to log; they never flip the
// conversation to error, transient poll errors are expected.
func (e *Engine) PollOnce(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil
	}
	convID := e.session.ConversationID
	cursor := e.session.LastItemID
	e.mu.Unlock()

	items, newCursor, err := e.client.ListItemsAfter(ctx, convID, cursor)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The active conversation may have switched while the request was
	// in flight; a stale poll must not merge into the wrong session.
	if e.session == nil || e.session.ConversationID != convID {
		return nil
	}

	appended, sawAssistant := e.mergeItems(items)
	if newCursor != "" {
		e.session.LastItemID = newCursor
	}
	if appended > 0 {
		if conv := e.findConversation(convID); conv != nil {
			conv.MessageCount += appended
		}
	}
	if len(items) > 0 {
		log.Poll(convID, appended)
	}

	if sawAssistant && e.generating {
		e.generating = false
		if conv := e.findConversation(convID); conv != nil && conv.Status == ConversationGenerating {
			conv.Status = ConversationActive
		}
	}
	return nil
}

// startPollingLocked starts the recurring poll for the active
// conversation. Caller must hold e.mu and have stopped any previous
// poller first.
func (e *Engine) startPollingLocked() {
	e.stopPollingLocked()

	interval := e.cfg.PollEvery()
	if interval <= 0 {
		interval = fallbackPollInterval
	}

	stop := make(chan struct{})
	e.pollStop = stop
	e.pollWG.Add(1)
	go func() {
		defer e.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout())
				if err := e.PollOnce(ctx); err != nil {
					log.Debug("Poll failed (will retry next tick): %v", err)
				}
				cancel()
			}
		}
	}()
}

// stopPollingLocked stops the active poller. Caller must hold e.mu; any
// tick already past the session check finishes against the old
// conversation id and is discarded by PollOnce's guard.
func (e *Engine) stopPollingLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
}
