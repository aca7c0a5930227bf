// Package stream drives a single in-flight generation stream, turning
// raw SSE bytes into content deltas and terminal signals.
package stream

import (
	"io"
	"sync"

	"github.com/youruser/parley/internal/logging"
	"github.com/youruser/parley/internal/sse"
)

// Event types emitted by the responses API.
const (
	EventTextDelta = "response.output_text.delta"
	EventCompleted = "response.completed"
	EventItemDone  = "response.output_item.done"
)

var log = logging.Get()

// Handlers receives stream progress. OnChunk fires before the typed
// handlers for every decoded frame, so callers can pull out-of-band
// metadata (notably the server item id) from any frame.
type Handlers struct {
	OnChunk    func(frame sse.Frame)
	OnContent  func(delta string)
	OnComplete func()
	OnError    func(err error)
}

// Controller owns at most one generation stream at a time. Starting a
// second stream while one is active is a caller error; the engine
// sequences sends so that cannot happen.
type Controller struct {
	mu        sync.Mutex
	streaming bool
	cancelled bool
	body      io.ReadCloser
	decoder   sse.Decoder
}

// NewController returns an idle controller.
func NewController() *Controller {
	return &Controller{}
}

// Start reads the response body to its terminal frame, invoking the
// handlers for each decoded frame. It blocks until the stream completes,
// fails, or is cancelled, then returns the controller to idle. The body
// is always closed before returning.
func (c *Controller) Start(body io.ReadCloser, h Handlers) {
	c.mu.Lock()
	c.streaming = true
	c.cancelled = false
	c.body = body
	c.decoder.Reset()
	c.mu.Unlock()

	defer func() {
		body.Close()
		c.mu.Lock()
		c.streaming = false
		c.body = nil
		c.mu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range c.decoder.Feed(string(buf[:n])) {
				if c.wasCancelled() {
					// Frames decoded after cancellation are discarded,
					// not applied.
					log.Stream("cancelled", "discarding buffered frames")
					return
				}
				if h.OnChunk != nil {
					h.OnChunk(frame)
				}
				switch frame.Type {
				case EventTextDelta:
					log.Stream("delta", frame.Delta)
					if h.OnContent != nil {
						h.OnContent(frame.Delta)
					}
				case EventCompleted, EventItemDone:
					// Terminal marker: finish without waiting for the
					// transport to close.
					log.Stream("done", frame.Type)
					if h.OnComplete != nil {
						h.OnComplete()
					}
					return
				}
			}
		}
		if err != nil {
			if c.wasCancelled() {
				log.Stream("cancelled", "read aborted")
				return
			}
			if err == io.EOF {
				// The transport closed without a terminal frame. Treat
				// it as completion; the next poll is the authoritative
				// check for whether the turn actually finished.
				log.Stream("eof", "stream ended without terminal frame")
				if h.OnComplete != nil {
					h.OnComplete()
				}
				return
			}
			log.Error("Stream read failed: %v", err)
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
	}
}

// Cancel aborts the underlying read immediately. Errors surfaced by the
// aborted read are suppressed; cancellation is a clean terminal state.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		return
	}
	c.cancelled = true
	if c.body != nil {
		c.body.Close()
	}
}

// IsStreaming reports whether a stream is currently owned.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *Controller) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
