package api

import (
	"encoding/json"
	"strings"
)

// Wire types for the conversations/responses API.

// Conversation is the server's conversation envelope.
type Conversation struct {
	ID        string            `json:"id"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Item is a server-side record within a conversation: a message, a tool
// call/output, or a web-search call.
type Item struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"` // "message", "tool_call", "tool_output", "web_search_call"
	Role      string        `json:"role,omitempty"`
	Content   ItemContent   `json:"content,omitempty"`
	CreatedAt int64         `json:"created_at,omitempty"`
	Status    string        `json:"status,omitempty"`
	Action    *SearchAction `json:"action,omitempty"`
}

// SearchAction describes what a web_search_call item did.
type SearchAction struct {
	Type  string `json:"type,omitempty"`
	Query string `json:"query,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ItemContent is either a plain string or an array of typed parts whose
// text fields concatenate. Both shapes appear on the wire.
type ItemContent struct {
	Text string
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *ItemContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	c.Text = b.String()
	return nil
}

func (c ItemContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Text)
}

// ItemList is one page of a conversation's items.
type ItemList struct {
	Data    []Item `json:"data"`
	HasMore bool   `json:"has_more"`
	FirstID string `json:"first_id,omitempty"`
	LastID  string `json:"last_id,omitempty"`
}

// InputMessage is one turn of input to a generation request.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool selects an optional server-side tool for a generation request.
type Tool struct {
	Type string `json:"type"`
}

// WebSearchTool attaches the server's web-search tool.
func WebSearchTool() Tool {
	return Tool{Type: "web_search"}
}

// ResponseRequest is the body of POST /responses.
type ResponseRequest struct {
	Model        string         `json:"model"`
	Conversation string         `json:"conversation,omitempty"`
	Input        []InputMessage `json:"input"`
	Stream       bool           `json:"stream"`
	Store        bool           `json:"store"`
	Tools        []Tool         `json:"tools,omitempty"`
	Background   bool           `json:"background,omitempty"`
}

// Response is the non-streamed generation envelope.
type Response struct {
	ID     string       `json:"id"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
	Error  *APIError    `json:"error,omitempty"`
}

// OutputItem is one generated item in a response envelope.
type OutputItem struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content"`
}

// OutputContent is one content part of a generated item.
type OutputContent struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// OutputText returns the text of the first output item, the common case
// for single-turn generations.
func (r *Response) OutputText() string {
	if len(r.Output) == 0 || len(r.Output[0].Content) == 0 {
		return ""
	}
	return r.Output[0].Content[0].Text
}

// OutputItemID returns the server item id of the first output item.
func (r *Response) OutputItemID() string {
	if len(r.Output) == 0 {
		return ""
	}
	return r.Output[0].ID
}

// APIError is the server's error envelope payload.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}
