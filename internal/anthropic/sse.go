package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
)

// SSEWriter serializes Anthropic stream events to the wire format
// `event: <name>\ndata: <json>\n\n`, flushing after each write, matching the
// teacher's handleClaudeStreaming fmt.Fprintf/Flush pattern.
type SSEWriter struct {
	w       io.Writer
	flusher interface{ Flush() }
}

func NewSSEWriter(w io.Writer, flusher interface{ Flush() }) *SSEWriter {
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

type messageStartPayload struct {
	Type    string   `json:"type"`
	Message Response `json:"message"`
}

func (s *SSEWriter) MessageStart(msg Response) error {
	return s.send("message_start", messageStartPayload{Type: "message_start", Message: msg})
}

type contentBlockStartPayload struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (s *SSEWriter) ContentBlockStart(index int, block ContentBlock) error {
	return s.send("content_block_start", contentBlockStartPayload{Type: "content_block_start", Index: index, ContentBlock: block})
}

type delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type contentBlockDeltaPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta delta  `json:"delta"`
}

func (s *SSEWriter) TextDelta(index int, text string) error {
	return s.send("content_block_delta", contentBlockDeltaPayload{Type: "content_block_delta", Index: index, Delta: delta{Type: "text_delta", Text: text}})
}

func (s *SSEWriter) ThinkingDelta(index int, text string) error {
	return s.send("content_block_delta", contentBlockDeltaPayload{Type: "content_block_delta", Index: index, Delta: delta{Type: "thinking_delta", Thinking: text}})
}

func (s *SSEWriter) InputJSONDelta(index int, partialJSON string) error {
	return s.send("content_block_delta", contentBlockDeltaPayload{Type: "content_block_delta", Index: index, Delta: delta{Type: "input_json_delta", PartialJSON: partialJSON}})
}

type contentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (s *SSEWriter) ContentBlockStop(index int) error {
	return s.send("content_block_stop", contentBlockStopPayload{Type: "content_block_stop", Index: index})
}

type messageDeltaPayload struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason,omitempty"`
		StopSequence *string `json:"stop_sequence,omitempty"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

func (s *SSEWriter) MessageDelta(stopReason string, stopSequence *string, usage Usage) error {
	p := messageDeltaPayload{Type: "message_delta", Usage: usage}
	p.Delta.StopReason = stopReason
	p.Delta.StopSequence = stopSequence
	return s.send("message_delta", p)
}

type messageStopPayload struct {
	Type string `json:"type"`
}

func (s *SSEWriter) MessageStop() error {
	return s.send("message_stop", messageStopPayload{Type: "message_stop"})
}
