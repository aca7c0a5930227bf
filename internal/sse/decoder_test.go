package sse

import (
	"testing"
)

func TestFeed(t *testing.T) {
	t.Run("single complete frame", func(t *testing.T) {
		var d Decoder
		frames := d.Feed("data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hi\"}\n")
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
		if frames[0].Type != "response.output_text.delta" {
			t.Errorf("Type = %q", frames[0].Type)
		}
		if frames[0].Delta != "Hi" {
			t.Errorf("Delta = %q, want %q", frames[0].Delta, "Hi")
		}
	})

	t.Run("frame split across chunks", func(t *testing.T) {
		var d Decoder
		frames := d.Feed("data: {\"type\":\"response.outp")
		if len(frames) != 0 {
			t.Fatalf("partial chunk yielded %d frames", len(frames))
		}
		if !d.Pending() {
			t.Error("expected buffered partial line")
		}
		frames = d.Feed("ut_text.delta\",\"delta\":\"lo\"}\n")
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
		if frames[0].Delta != "lo" {
			t.Errorf("Delta = %q, want %q", frames[0].Delta, "lo")
		}
	})

	t.Run("multiple frames in one chunk", func(t *testing.T) {
		var d Decoder
		chunk := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n" +
			"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n" +
			"data: {\"type\":\"response.completed\"}\n"
		frames := d.Feed(chunk)
		if len(frames) != 3 {
			t.Fatalf("len(frames) = %d, want 3", len(frames))
		}
		if frames[0].Delta != "a" || frames[1].Delta != "b" {
			t.Errorf("deltas = %q, %q", frames[0].Delta, frames[1].Delta)
		}
		if frames[2].Type != "response.completed" {
			t.Errorf("final frame type = %q", frames[2].Type)
		}
	})

	t.Run("done sentinel dropped", func(t *testing.T) {
		var d Decoder
		frames := d.Feed("data: [DONE]\n")
		if len(frames) != 0 {
			t.Errorf("sentinel yielded %d frames", len(frames))
		}
	})

	t.Run("malformed frame skipped", func(t *testing.T) {
		var d Decoder
		chunk := "data: {bad json\n" +
			"data: {\"type\":\"response.completed\"}\n"
		frames := d.Feed(chunk)
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
		if frames[0].Type != "response.completed" {
			t.Errorf("Type = %q, want %q", frames[0].Type, "response.completed")
		}
	})

	t.Run("non-data lines ignored", func(t *testing.T) {
		var d Decoder
		chunk := "event: message\n" +
			": heartbeat\n" +
			"\n" +
			"data: {\"type\":\"response.completed\"}\n"
		frames := d.Feed(chunk)
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
	})

	t.Run("crlf line endings", func(t *testing.T) {
		var d Decoder
		frames := d.Feed("data: {\"type\":\"response.completed\"}\r\n")
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
	})

	t.Run("item id metadata", func(t *testing.T) {
		var d Decoder
		frames := d.Feed("data: {\"type\":\"response.output_item.done\",\"item_id\":\"item_42\"}\n")
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
		if frames[0].ItemID != "item_42" {
			t.Errorf("ItemID = %q, want %q", frames[0].ItemID, "item_42")
		}
	})

	t.Run("raw payload preserved", func(t *testing.T) {
		var d Decoder
		payload := "{\"type\":\"response.completed\",\"extra\":7}"
		frames := d.Feed("data: " + payload + "\n")
		if len(frames) != 1 {
			t.Fatalf("len(frames) = %d, want 1", len(frames))
		}
		if string(frames[0].Raw) != payload {
			t.Errorf("Raw = %q, want %q", frames[0].Raw, payload)
		}
	})
}

func TestReset(t *testing.T) {
	var d Decoder
	d.Feed("data: {\"type\":\"partial")
	if !d.Pending() {
		t.Fatal("expected buffered partial line before reset")
	}
	d.Reset()
	if d.Pending() {
		t.Error("expected empty buffer after reset")
	}

	// The stale partial must not leak into the next stream.
	frames := d.Feed("data: {\"type\":\"response.completed\"}\n")
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Type != "response.completed" {
		t.Errorf("Type = %q", frames[0].Type)
	}
}
