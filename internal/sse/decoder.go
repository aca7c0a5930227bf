// Package sse decodes server-sent-event frames from an incrementally
// arriving text stream. Transport reads hand the decoder chunks of any
// size; the decoder re-assembles logical lines across chunk boundaries
// and yields one parsed frame per complete data line.
package sse

import (
	"encoding/json"
	"strings"

	"github.com/youruser/parley/internal/logging"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

var log = logging.Get()

// Frame is a single decoded SSE event. Raw preserves the full JSON
// payload for callers that need fields beyond the common envelope.
type Frame struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	ItemID   string          `json:"item_id"`
	Response *FrameResponse  `json:"response,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// FrameResponse is the nested response object carried by lifecycle
// frames such as response.created.
type FrameResponse struct {
	ID string `json:"id"`
}

// Decoder incrementally parses SSE frames. The zero value is ready to
// use. A Decoder instance may be reused across streams via Reset.
type Decoder struct {
	buf strings.Builder
}

// Feed consumes the next chunk of stream text and returns the frames
// completed by it, in order. A trailing partial line is buffered until
// a later chunk completes it. Malformed frames are logged and skipped;
// the [DONE] sentinel is recognized and dropped.
func (d *Decoder) Feed(chunk string) []Frame {
	d.buf.WriteString(chunk)

	data := d.buf.String()
	lastNewline := strings.LastIndexByte(data, '\n')
	if lastNewline < 0 {
		return nil
	}

	complete := data[:lastNewline]
	rest := data[lastNewline+1:]
	d.buf.Reset()
	d.buf.WriteString(rest)

	var frames []Frame
	for _, line := range strings.Split(complete, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, dataPrefix)
		if payload == doneSentinel {
			continue
		}

		var frame Frame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			log.Error("Skipping malformed SSE frame: %v", err)
			continue
		}
		frame.Raw = json.RawMessage(payload)
		frames = append(frames, frame)
	}
	return frames
}

// Reset clears any buffered partial line so the decoder can be reused
// for a new stream.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Pending reports whether a partial line is buffered.
func (d *Decoder) Pending() bool {
	return d.buf.Len() > 0
}
