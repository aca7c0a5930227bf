package session

import (
	"github.com/youruser/parley/internal/api"
)

// MessageTokenInfo is the per-message token breakdown.
type MessageTokenInfo struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Tokens int    `json:"tokens"`
}

// TokenEstimate approximates how many tokens the active session
// represents, so the UI can warn before a context limit is hit.
type TokenEstimate struct {
	Total     int                `json:"total"`
	History   int                `json:"history"`
	InputText int                `json:"input_text"`
	Messages  []MessageTokenInfo `json:"messages"`
}

// EstimateTokens calculates token estimates for the active session plus
// the draft input text.
func (e *Engine) EstimateTokens(inputText string) (*TokenEstimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrNoActiveConversation
	}

	estimate := &TokenEstimate{}
	for i := range e.session.Messages {
		m := &e.session.Messages[i]
		tokens := api.EstimateTokensSimple(m.Content)
		estimate.History += tokens
		estimate.Messages = append(estimate.Messages, MessageTokenInfo{
			ID:     m.ID,
			Role:   m.Role,
			Tokens: tokens,
		})
	}
	if inputText != "" {
		estimate.InputText = api.EstimateTokensSimple(inputText)
	}
	estimate.Total = estimate.History + estimate.InputText
	return estimate, nil
}
