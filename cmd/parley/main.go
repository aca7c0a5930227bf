package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/youruser/parley/internal/api"
	"github.com/youruser/parley/internal/config"
	"github.com/youruser/parley/internal/logging"
	"github.com/youruser/parley/internal/session"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var (
	appConfig *config.Config
	engine    *session.Engine
	log       = logging.Get()

	respondMu sync.Mutex
	configMu  sync.Mutex
)

type streamState struct {
	mu        sync.Mutex
	requestID string
}

var activeStream streamState

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("parley %s\n", versionString())
			return
		case "--build":
			if commit := getBuildCommit(); commit != "" {
				fmt.Println(commit)
			} else {
				fmt.Println("unknown")
			}
			return
		}
	}

	defer func() {
		if engine != nil {
			engine.Close()
		}
		log.Close()
	}()

	if os.Getenv("PARLEY_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "parley: process started with PARLEY_DEBUG=1\n")
	}
	logBuildInfo()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		handleRequest(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB). Split the request.",
			})
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
		os.Exit(1)
	}
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}
	var revision string
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			revision = setting.Value
		}
	}
	v := info.Main.Version
	if revision != "" {
		v = revision
	}
	log.Info("Build: %s; go=%s", v, runtime.Version())
}

// ensureEngine loads config lazily on first use and wires the engine.
func ensureEngine() error {
	configMu.Lock()
	defer configMu.Unlock()
	if engine != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	appConfig = cfg
	engine = session.NewEngine(api.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout()), cfg)
	return nil
}

// reloadConfig rebuilds the engine against a freshly loaded config. The
// conversation directory and active session do not survive the reload;
// history is re-fetched from the server on the next select.
func reloadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if engine != nil {
		engine.Close()
	}
	appConfig = cfg
	engine = session.NewEngine(api.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout()), cfg)
	return nil
}

func reserveActiveStream(reqID string) bool {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	if activeStream.requestID != "" {
		return false
	}
	activeStream.requestID = reqID
	return true
}

func clearActiveStream(reqID string) {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	if activeStream.requestID == reqID {
		activeStream.requestID = ""
	}
}

func cancelActiveStream(targetID string) bool {
	activeStream.mu.Lock()
	reqID := activeStream.requestID
	activeStream.mu.Unlock()
	if reqID == "" || (targetID != "" && reqID != targetID) {
		return false
	}
	engine.Cancel()
	return true
}

func handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "version":
		respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "send":
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		if !reserveActiveStream(reqID) {
			respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
			return
		}
		go handleSend(reqID, req)

	case "cancel":
		targetID, _ := req["target_request_id"].(string)
		if !cancelActiveStream(targetID) {
			respond(reqID, map[string]any{"type": "error", "message": "No active request to cancel"})
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "conversation_new":
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		if err := engine.NewConversation(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "conversation_list":
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "conversations", "conversations": engine.Conversations()})

	case "conversation_select":
		id, _ := req["id"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: id"})
			return
		}
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := engine.SelectConversation(ctx, id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "messages", "messages": engine.Messages()})

	case "conversation_delete":
		id, _ := req["id"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: id"})
			return
		}
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := engine.DeleteConversation(ctx, id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "message_list":
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "messages", "messages": engine.Messages()})

	case "message_delete":
		id, _ := req["id"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: id"})
			return
		}
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := engine.DeleteMessage(ctx, id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "poll_now":
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := engine.PollOnce(ctx); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "messages", "messages": engine.Messages()})

	case "estimate_tokens":
		content, _ := req["content"].(string)
		if err := ensureEngine(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		est, err := engine.EstimateTokens(content)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "token_estimate", "estimate": est})

	case "reload_config":
		if err := reloadConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "shutdown":
		if engine != nil {
			engine.Close()
		}
		log.Close()
		os.Exit(0)

	default:
		respond(reqID, map[string]any{"type": "error", "message": "Unknown action: " + action})
	}
}

// handleSend runs one turn to completion, forwarding streamed deltas as
// chunk events as they arrive.
func handleSend(reqID string, req map[string]any) {
	defer clearActiveStream(reqID)

	content, _ := req["content"].(string)
	if content == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: content"})
		return
	}

	engine.SetDeltaHandler(func(delta string) {
		respond(reqID, map[string]any{"type": "chunk", "content": delta})
	})
	defer engine.SetDeltaHandler(nil)

	if err := engine.Send(context.Background(), content); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	done := map[string]any{
		"type":     "done",
		"messages": engine.Messages(),
	}
	if conv := engine.ActiveConversation(); conv != nil {
		done["conversation_id"] = conv.ID
	}
	respond(reqID, done)
}

// currentConfig snapshots the config pointer; reload_config swaps it
// under the same mutex.
func currentConfig() *config.Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), currentConfig().Timeout())
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoConfig):
		msg = "Config file not found: ~/.config/parley/config.json"
	case errors.Is(err, config.ErrNoAPIKey):
		msg = "API key not set in config"
	case errors.Is(err, session.ErrNoActiveConversation):
		msg = "No active conversation"
	case errors.Is(err, session.ErrConversationNotFound):
		msg = "Conversation not found"
	case errors.Is(err, session.ErrMessageNotFound):
		msg = "Message not found"
	case errors.Is(err, session.ErrGenerationInProgress):
		msg = "Another request is already in progress"
	case errors.Is(err, session.ErrEmptyInput):
		msg = "Message content is empty"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Println(string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
