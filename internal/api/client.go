package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/youruser/parley/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")

	log = logging.Get()
)

const defaultPageLimit = 100

// Client handles communication with the conversations/responses API.
// It never retries; retry policy belongs to callers.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a new API client. timeout bounds unary calls only;
// streaming reads are bounded by the caller's context.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// do issues a unary request and decodes the JSON response into out (nil
// to discard). On non-2xx it fails with the server's error message when
// present, else the contextual fallback.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, fallback string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	log.Debug("HTTP %s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(raw))
		return apiError(resp.StatusCode, raw, fallback)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(status int, body []byte, fallback string) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return fmt.Errorf("%w: %s", ErrRequestFailed, envelope.Error.Message)
	}
	return fmt.Errorf("%w: %s (status %d)", ErrRequestFailed, fallback, status)
}

// CreateConversation creates a new server-side conversation.
func (c *Client) CreateConversation(ctx context.Context, metadata map[string]string) (*Conversation, error) {
	body := map[string]any{}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &conv, "failed to create conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation fetches a conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &conv, "failed to fetch conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateConversationMetadata persists metadata (e.g. the generated
// title) onto the server-side conversation.
func (c *Client) UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]string) (*Conversation, error) {
	body := map[string]any{"metadata": metadata}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id), body, &conv, "failed to update conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, "failed to delete conversation")
}

// DeleteItem deletes a single conversation item.
func (c *Client) DeleteItem(ctx context.Context, conversationID, itemID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/items/" + url.PathEscape(itemID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, "failed to delete item")
}

// ListItems fetches one page of a conversation's items, oldest first,
// starting after the given cursor ("" for the beginning).
func (c *Client) ListItems(ctx context.Context, conversationID, after string, limit int) (*ItemList, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	q := url.Values{}
	q.Set("order", "asc")
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/items?" + q.Encode()

	var list ItemList
	if err := c.do(ctx, http.MethodGet, path, nil, &list, "failed to list items"); err != nil {
		return nil, err
	}
	return &list, nil
}

// ListItemsAfter returns every item newer than the cursor, following the
// server's has_more/last_id protocol until exhausted. Callers never see
// partial pages: the result is the full concatenated list plus the final
// cursor (unchanged when the conversation has nothing new).
func (c *Client) ListItemsAfter(ctx context.Context, conversationID, after string) ([]Item, string, error) {
	cursor := after
	var items []Item
	for {
		page, err := c.ListItems(ctx, conversationID, cursor, defaultPageLimit)
		if err != nil {
			return nil, after, err
		}
		items = append(items, page.Data...)

		switch {
		case page.LastID != "":
			cursor = page.LastID
		case len(page.Data) > 0:
			cursor = page.Data[len(page.Data)-1].ID
		}

		if !page.HasMore || len(page.Data) == 0 {
			return items, cursor, nil
		}
	}
}

// CreateResponse issues a non-streamed generation request and returns
// the decoded response envelope.
func (c *Client) CreateResponse(ctx context.Context, reqBody ResponseRequest) (*Response, error) {
	reqBody.Stream = false
	var resp Response
	if err := c.do(ctx, http.MethodPost, "/responses", reqBody, &resp, "failed to create response"); err != nil {
		return nil, err
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error.Message)
	}
	return &resp, nil
}

// CreateResponseStream issues a streamed generation request and returns
// the raw SSE body. The caller owns the body and must close it; reads
// are bounded by ctx, not the client timeout.
func (c *Client) CreateResponseStream(ctx context.Context, reqBody ResponseRequest) (io.ReadCloser, error) {
	reqBody.Stream = true

	req, err := c.newRequest(ctx, http.MethodPost, "/responses", reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	log.Debug("HTTP POST /responses (stream, model: %s, conversation: %s)", reqBody.Model, reqBody.Conversation)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Error("API error %d: %s", resp.StatusCode, string(raw))
		return nil, apiError(resp.StatusCode, raw, "failed to create response")
	}
	return resp.Body, nil
}

// GetResponse fetches a response by id.
func (c *Client) GetResponse(ctx context.Context, id string) (*Response, error) {
	var resp Response
	if err := c.do(ctx, http.MethodGet, "/responses/"+url.PathEscape(id), nil, &resp, "failed to fetch response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelResponse asks the server to cancel an in-flight response.
func (c *Client) CancelResponse(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/responses/"+url.PathEscape(id)+"/cancel", nil, nil, "failed to cancel response")
}
