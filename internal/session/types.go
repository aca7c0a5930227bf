package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrGenerationInProgress = errors.New("a generation is already in progress")
	ErrEmptyInput           = errors.New("message content is empty")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageStatus tracks a message through its lifecycle.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// ConversationStatus is the coarse per-conversation signal surfaced to
// the UI layer.
type ConversationStatus string

const (
	ConversationActive     ConversationStatus = "active"
	ConversationGenerating ConversationStatus = "generating"
	ConversationError      ConversationStatus = "error"
)

// SearchCallStatus tracks a web-search sub-call.
type SearchCallStatus string

const (
	SearchInProgress SearchCallStatus = "in_progress"
	SearchSearching  SearchCallStatus = "searching"
	SearchCompleted  SearchCallStatus = "completed"
)

// WebSearchCall is a web-search sub-record attached to an assistant
// message.
type WebSearchCall struct {
	ID     string           `json:"id"`
	Status SearchCallStatus `json:"status"`
	Query  string           `json:"query,omitempty"`
	URL    string           `json:"url,omitempty"`
}

// Message is a single turn in the active session. Its ID is either a
// locally generated placeholder identifier or a server-assigned item
// identifier; the engine unifies the two spaces as server identities
// become known.
type Message struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Timestamp   int64           `json:"timestamp,omitempty"` // epoch millis; 0 for items loaded from history
	Status      MessageStatus   `json:"status"`
	SearchCalls []WebSearchCall `json:"search_calls,omitempty"`
}

// Conversation is a directory entry for a server-durable thread.
type Conversation struct {
	ID           string             `json:"id"`
	Title        string             `json:"title,omitempty"`
	CreatedAt    int64              `json:"created_at"`
	LastActive   int64              `json:"last_active"`
	MessageCount int                `json:"message_count"`
	Status       ConversationStatus `json:"status"`
}

// ActiveSession is the in-memory state for the active conversation.
// Messages are ordered oldest first; ordering is the list order.
type ActiveSession struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	ResponseID     string    `json:"response_id,omitempty"`
	BackgroundJob  string    `json:"background_job,omitempty"`
	LastItemID     string    `json:"last_item_id,omitempty"` // polling watermark
}

const localIDPrefix = "local-"

// newLocalID generates a placeholder message identifier, disjoint from
// the server's item identifier space.
func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a locally generated placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
