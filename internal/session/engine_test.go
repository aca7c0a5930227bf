package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/parley/internal/api"
	"github.com/youruser/parley/internal/config"
)

func testConfig(baseURL string, streaming bool) *config.Config {
	return &config.Config{
		APIKey:           "sk-test",
		BaseURL:          baseURL,
		DefaultModel:     "gpt-4o",
		RequestTimeout:   5,
		PollInterval:     3600, // background poller stays inert; tests call PollOnce directly
		StreamingEnabled: &streaming,
	}
}

func newServerEngine(t *testing.T, handler http.Handler, streaming bool) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL, streaming)
	e := NewEngine(api.NewClient(srv.URL, "sk-test", 5*time.Second), cfg)
	t.Cleanup(e.Close)
	return e
}

// newBareEngine builds an engine with a pre-seeded session and no
// network, for exercising the merge policy directly.
func newBareEngine(t *testing.T, msgs ...Message) *Engine {
	t.Helper()
	e := NewEngine(nil, testConfig("http://127.0.0.1:0", false))
	t.Cleanup(e.Close)
	e.activeID = "conv_1"
	e.conversations = []Conversation{{ID: "conv_1", Status: ConversationActive, MessageCount: len(msgs)}}
	e.session = &ActiveSession{ConversationID: "conv_1", Messages: msgs}
	return e
}

func (e *Engine) merge(items []api.Item) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mergeItems(items)
}

func item(id, role, content string) api.Item {
	return api.Item{ID: id, Type: "message", Role: role, Content: api.ItemContent{Text: content}, Status: "completed"}
}

func TestSendBasicRoundTrip(t *testing.T) {
	var conversationCreates int
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		conversationCreates++
		fmt.Fprint(w, `{"id": "conv_1", "created_at": 1700000000000}`)
	})
	mux.HandleFunc("/responses", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "resp_1", "output": [{"id": "item_9", "type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Hi! How can I help?"}]}]}`)
	})

	e := newServerEngine(t, mux, false)
	require.NoError(t, e.Send(context.Background(), "Hello"))

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, MessageComplete, msgs[0].Status)
	assert.True(t, IsLocalID(msgs[0].ID), "optimistic user message keeps its placeholder id")
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi! How can I help?", msgs[1].Content)
	assert.Equal(t, "item_9", msgs[1].ID)

	conv := e.ActiveConversation()
	require.NotNil(t, conv)
	assert.Equal(t, ConversationActive, conv.Status)
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, "item_9", e.Watermark())
	assert.Equal(t, "resp_1", e.ResponseID())
	assert.Equal(t, 1, conversationCreates, "conversation is created lazily, once")
	assert.False(t, e.Generating())
}

func TestSendStreamingReassembly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "conv_1", "created_at": 1700000000000}`)
	})
	mux.HandleFunc("/responses", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range []string{
			`{"type":"response.created","response":{"id":"resp_7"}}`,
			`{"type":"response.output_text.delta","delta":"Hel","item_id":"item_42"}`,
			`{"type":"response.output_text.delta","delta":"lo","item_id":"item_42"}`,
			`{"type":"response.output_text.delta","delta":" world","item_id":"item_42"}`,
			`{"type":"response.output_item.done","item_id":"item_42"}`,
		} {
			fmt.Fprintf(w, "data: %s\n", frame)
			fl.Flush()
		}
	})

	e := newServerEngine(t, mux, true)
	require.NoError(t, e.Send(context.Background(), "Hello"))

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, "item_42", msgs[1].ID)
	assert.Equal(t, MessageComplete, msgs[1].Status)
	assert.Equal(t, "item_42", e.Watermark())
	assert.Equal(t, "resp_7", e.ResponseID())

	conv := e.ActiveConversation()
	require.NotNil(t, conv)
	assert.Equal(t, ConversationActive, conv.Status)
}

func TestSendFailureKeepsUserMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "conv_1"}`)
	})
	mux.HandleFunc("/responses", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"message": "model exploded"}}`)
	})

	e := newServerEngine(t, mux, false)
	err := e.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	msgs := e.Messages()
	require.Len(t, msgs, 1, "optimistic user message is not rolled back")
	assert.Equal(t, "Hello", msgs[0].Content)

	conv := e.ActiveConversation()
	require.NotNil(t, conv)
	assert.Equal(t, ConversationError, conv.Status)
	assert.False(t, e.Generating())
}

func TestSendWhileGenerating(t *testing.T) {
	e := newBareEngine(t)
	e.generating = true

	err := e.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrGenerationInProgress)
}

func TestSendEmptyInput(t *testing.T) {
	e := newBareEngine(t)
	assert.ErrorIs(t, e.Send(context.Background(), "   \n"), ErrEmptyInput)
}

func TestNewConversationWhileGenerating(t *testing.T) {
	e := newBareEngine(t)
	e.generating = true

	assert.ErrorIs(t, e.NewConversation(), ErrGenerationInProgress)
	assert.NotNil(t, e.session, "the streaming turn keeps its session")
	assert.Equal(t, "conv_1", e.activeID)
}

func TestDeleteActiveConversationWhileGenerating(t *testing.T) {
	e := newBareEngine(t)
	e.generating = true

	err := e.DeleteConversation(context.Background(), "conv_1")
	assert.ErrorIs(t, err, ErrGenerationInProgress)
	assert.NotNil(t, e.session)
}

func TestCancelDuringStreamIsSilent(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "conv_1"}`)
	})
	mux.HandleFunc("/responses", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hel\"}\n")
		fl.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	e := newServerEngine(t, mux, true)

	sendDone := make(chan error, 1)
	go func() { sendDone <- e.Send(context.Background(), "Hello") }()

	// Wait for the first delta to land.
	deadline := time.After(2 * time.Second)
	for {
		msgs := e.Messages()
		if len(msgs) == 2 && msgs[1].Content == "Hel" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("delta never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.Cancel()

	select {
	case err := <-sendDone:
		assert.NoError(t, err, "cancellation is not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}

	assert.False(t, e.Generating())
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[1].Content, "accumulated content is preserved")
	assert.Equal(t, MessageComplete, msgs[1].Status)

	conv := e.ActiveConversation()
	require.NotNil(t, conv)
	assert.Equal(t, ConversationActive, conv.Status)
}

func TestPollUnifiesLocalPlaceholder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/conv_1/items", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "" {
			fmt.Fprint(w, `{"data": [], "has_more": false}`)
			return
		}
		fmt.Fprint(w, `{"data": [{"id": "item_9", "type": "message", "role": "assistant", "content": "Hi there"}], "has_more": false, "last_id": "item_9"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := newBareEngine(t, Message{ID: "local-abc", Role: RoleAssistant, Content: "Hi there", Status: MessageStreaming})
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)

	require.NoError(t, e.PollOnce(context.Background()))

	msgs := e.Messages()
	require.Len(t, msgs, 1, "poll must unify, not duplicate")
	assert.Equal(t, "item_9", msgs[0].ID)
	assert.Equal(t, "Hi there", msgs[0].Content)
	assert.Equal(t, MessageComplete, msgs[0].Status)
	assert.Equal(t, "item_9", e.Watermark())
}

func TestPollClearsGeneratingOnAssistantEvidence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/conv_1/items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [{"id": "item_3", "type": "message", "role": "assistant", "content": "done server-side"}], "has_more": false, "last_id": "item_3"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := newBareEngine(t)
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)
	e.generating = true
	e.conversations[0].Status = ConversationGenerating

	require.NoError(t, e.PollOnce(context.Background()))

	assert.False(t, e.Generating(), "polled assistant item is authoritative completion evidence")
	assert.Equal(t, ConversationActive, e.conversations[0].Status)
}

func TestMergeIdempotence(t *testing.T) {
	e := newBareEngine(t,
		Message{ID: "local-u1", Role: RoleUser, Content: "Hello", Status: MessageComplete},
	)

	batch := []api.Item{
		item("item_1", RoleUser, "Hello"),
		item("item_2", RoleAssistant, "Hi there"),
	}

	appended, _ := e.merge(batch)
	assert.Equal(t, 1, appended, "user turn unifies, assistant turn appends")
	require.Len(t, e.Messages(), 2)

	// Overlapping page replay: nothing changes.
	appended, _ = e.merge(batch)
	assert.Equal(t, 0, appended)
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "item_1", msgs[0].ID)
	assert.Equal(t, "item_2", msgs[1].ID)
}

func TestMergeUnifiesStreamingPrefix(t *testing.T) {
	e := newBareEngine(t,
		Message{ID: "local-a1", Role: RoleAssistant, Content: "Hello wo", Status: MessageStreaming},
	)
	e.streamMsgID = "local-a1"

	e.merge([]api.Item{item("item_5", RoleAssistant, "Hello world")})

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "item_5", msgs[0].ID)
	assert.Equal(t, "Hello world", msgs[0].Content, "server content is authoritative for the pending turn")
	assert.Equal(t, "item_5", e.streamMsgID, "stream bookkeeping follows the unified id")
}

func TestMergeAppendsGenuinelyNewItems(t *testing.T) {
	e := newBareEngine(t,
		Message{ID: "item_1", Role: RoleUser, Content: "old", Status: MessageComplete},
	)

	appended, _ := e.merge([]api.Item{
		item("item_2", RoleUser, "from another device"),
		item("item_3", RoleAssistant, "reply"),
	})

	assert.Equal(t, 2, appended)
	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(0), msgs[1].Timestamp, "history items carry no timestamp")
}

func TestMergeAttachesWebSearchCalls(t *testing.T) {
	e := newBareEngine(t,
		Message{ID: "item_1", Role: RoleAssistant, Content: "searching...", Status: MessageComplete},
	)

	e.merge([]api.Item{{
		ID:     "ws_1",
		Type:   "web_search_call",
		Status: "completed",
		Action: &api.SearchAction{Type: "search", Query: "go sse decoder"},
	}})

	msgs := e.Messages()
	require.Len(t, msgs, 1, "search calls attach as sub-records, not messages")
	require.Len(t, msgs[0].SearchCalls, 1)
	assert.Equal(t, SearchCompleted, msgs[0].SearchCalls[0].Status)
	assert.Equal(t, "go sse decoder", msgs[0].SearchCalls[0].Query)
}

func TestStreamCompletionAfterPollUnificationNoDuplicate(t *testing.T) {
	// The poll arrives first and unifies the placeholder under the
	// server id; the stream's own completion handler then runs and must
	// not produce a second entry for the same turn.
	e := newBareEngine(t,
		Message{ID: "local-a1", Role: RoleAssistant, Content: "Hi there", Status: MessageStreaming},
	)
	e.streamMsgID = "local-a1"
	e.pendingItem = "item_9"

	e.merge([]api.Item{item("item_9", RoleAssistant, "Hi there")})

	e.mu.Lock()
	e.finalizeStreamLocked()
	e.mu.Unlock()

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "item_9", msgs[0].ID)
	assert.Equal(t, MessageComplete, msgs[0].Status)
	assert.Equal(t, "item_9", e.Watermark())
}

func TestLateDeltaAfterPollUnificationIgnored(t *testing.T) {
	// A poll adopts the server's full copy mid-stream; deltas still
	// draining from the stream are already part of that content.
	e := newBareEngine(t,
		Message{ID: "local-a1", Role: RoleAssistant, Content: "Hello wo", Status: MessageStreaming},
	)
	e.streamMsgID = "local-a1"

	e.merge([]api.Item{item("item_5", RoleAssistant, "Hello world")})
	e.appendDelta("rld")

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello world", msgs[0].Content, "a completed message is immutable")
	assert.Equal(t, MessageComplete, msgs[0].Status)
}

func TestStreamFinalizeNeverRegressesWatermark(t *testing.T) {
	// While the stream ran, a poll advanced the watermark past the
	// streaming turn (to a later tool-output item). Stream completion
	// must not roll it back.
	e := newBareEngine(t,
		Message{ID: "local-a1", Role: RoleAssistant, Content: "Hi", Status: MessageStreaming},
	)
	e.streamMsgID = "local-a1"
	e.streamCursor = "item_5"
	e.pendingItem = "item_9"
	e.session.LastItemID = "item_11"

	e.mu.Lock()
	e.finalizeStreamLocked()
	e.mu.Unlock()

	assert.Equal(t, "item_11", e.Watermark())
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "item_9", msgs[0].ID, "identity still unifies to the server id")
	assert.Equal(t, MessageComplete, msgs[0].Status)
}

func TestFinalizeBeforePollIsAlsoSingleEntry(t *testing.T) {
	e := newBareEngine(t,
		Message{ID: "local-a1", Role: RoleAssistant, Content: "Hi there", Status: MessageStreaming},
	)
	e.streamMsgID = "local-a1"
	e.pendingItem = "item_9"

	e.mu.Lock()
	e.finalizeStreamLocked()
	e.mu.Unlock()

	e.merge([]api.Item{item("item_9", RoleAssistant, "Hi there")})

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "item_9", msgs[0].ID)
}

func TestDeleteMessageWatermarkRecovery(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/conv_1/items/", func(w http.ResponseWriter, r *http.Request) {
		deleted = strings.TrimPrefix(r.URL.Path, "/conversations/conv_1/items/")
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := newBareEngine(t,
		Message{ID: "item_1", Role: RoleUser, Content: "a", Status: MessageComplete},
		Message{ID: "item_2", Role: RoleAssistant, Content: "b", Status: MessageComplete},
		Message{ID: "item_3", Role: RoleUser, Content: "c", Status: MessageComplete},
	)
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)
	e.session.LastItemID = "item_3"
	e.conversations[0].MessageCount = 3

	require.NoError(t, e.DeleteMessage(context.Background(), "item_3"))

	assert.Equal(t, "item_3", deleted)
	assert.Equal(t, "item_2", e.Watermark(), "watermark recomputes to the newest remaining server id")
	assert.Len(t, e.Messages(), 2)
	assert.Equal(t, 2, e.conversations[0].MessageCount)
}

func TestDeleteMessageWatermarkSkipsLocalIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/conv_1/items/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := newBareEngine(t,
		Message{ID: "item_1", Role: RoleUser, Content: "a", Status: MessageComplete},
		Message{ID: "local-x", Role: RoleAssistant, Content: "b", Status: MessageComplete},
		Message{ID: "item_2", Role: RoleUser, Content: "c", Status: MessageComplete},
	)
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)
	e.session.LastItemID = "item_2"

	require.NoError(t, e.DeleteMessage(context.Background(), "item_2"))
	assert.Equal(t, "item_1", e.Watermark(), "a placeholder id can never become the watermark")
}

func TestDeleteLocalMessageSkipsGateway(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { calls++ })

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := newBareEngine(t,
		Message{ID: "local-x", Role: RoleUser, Content: "a", Status: MessageComplete},
	)
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)

	require.NoError(t, e.DeleteMessage(context.Background(), "local-x"))
	assert.Zero(t, calls, "placeholder-only messages have nothing to delete server-side")
	assert.Empty(t, e.Messages())
}

func TestDeleteMessageUnknownID(t *testing.T) {
	e := newBareEngine(t)
	assert.ErrorIs(t, e.DeleteMessage(context.Background(), "item_404"), ErrMessageNotFound)
}

func TestSendAbortsWhenSessionClearedMidFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "conv_1"}`)
	})
	mux.HandleFunc("/responses", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})

	e := newServerEngine(t, mux, true)

	sendDone := make(chan error, 1)
	go func() { sendDone <- e.Send(context.Background(), "Hello") }()

	// Clear the session while the response request is in flight, then
	// let the request complete.
	<-entered
	e.mu.Lock()
	e.session = nil
	e.activeID = ""
	e.mu.Unlock()
	close(release)

	select {
	case err := <-sendDone:
		assert.ErrorIs(t, err, ErrNoActiveConversation)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
	}
}

func TestSelectConversationFailureKeepsSessionLive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"message": "no such conversation"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := newBareEngine(t, Message{ID: "item_1", Role: RoleUser, Content: "a", Status: MessageComplete})
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)
	e.mu.Lock()
	e.startPollingLocked()
	e.mu.Unlock()

	err := e.SelectConversation(context.Background(), "conv_missing")
	require.Error(t, err)

	e.mu.Lock()
	assert.NotNil(t, e.pollStop, "the previous conversation keeps polling")
	assert.Equal(t, "conv_1", e.activeID)
	assert.Equal(t, "conv_1", e.session.ConversationID)
	e.mu.Unlock()
	assert.Len(t, e.Messages(), 1)
}

func TestMessageCountFloorsAtZero(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := newBareEngine(t,
		Message{ID: "item_1", Role: RoleUser, Content: "a", Status: MessageComplete},
	)
	e.client = api.NewClient(srv.URL, "sk-test", 5*time.Second)
	e.conversations[0].MessageCount = 0

	require.NoError(t, e.DeleteMessage(context.Background(), "item_1"))
	assert.Equal(t, 0, e.conversations[0].MessageCount)
}
