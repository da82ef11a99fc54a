package translator

import (
	"testing"

	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
)

func TestStreamStateAccumulatesTextDeltas(t *testing.T) {
	s := NewStreamState(nil, false)

	if err := s.Handle(kiroclient.Event{Type: "assistantResponseEvent", Payload: map[string]any{"content": "Hello"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := s.Handle(kiroclient.Event{Type: "assistantResponseEvent", Payload: map[string]any{"content": "Hello, world"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(s.Blocks) != 1 || s.Blocks[0].Type != "text" {
		t.Fatalf("blocks = %+v", s.Blocks)
	}
	if s.Blocks[0].Text != "Hello, world" {
		t.Errorf("text = %q, want %q", s.Blocks[0].Text, "Hello, world")
	}
	if s.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", s.StopReason)
	}
}

func TestStreamStateSuppressesThinkingWhenNotRequested(t *testing.T) {
	s := NewStreamState(nil, false)
	if err := s.Handle(kiroclient.Event{Type: "reasoningContentEvent", Payload: map[string]any{"text": "let me think"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.Blocks) != 0 {
		t.Fatalf("expected no blocks when thinking isn't requested, got %+v", s.Blocks)
	}
}

func TestStreamStateEmitsThinkingWhenRequested(t *testing.T) {
	s := NewStreamState(nil, true)
	if err := s.Handle(kiroclient.Event{Type: "reasoningContentEvent", Payload: map[string]any{"text": "pondering"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.Blocks) != 1 || s.Blocks[0].Type != "thinking" || s.Blocks[0].Thinking != "pondering" {
		t.Fatalf("blocks = %+v", s.Blocks)
	}
}

func TestStreamStateToolUseLifecycle(t *testing.T) {
	s := NewStreamState(nil, false)

	events := []kiroclient.Event{
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "tu1", "name": "get_weather", "input": `{"city":`}},
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "tu1", "name": "get_weather", "input": `"nyc"}`}},
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "tu1", "name": "get_weather", "stop": true}},
	}
	for _, ev := range events {
		if err := s.Handle(ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(s.Blocks) != 1 || s.Blocks[0].Type != "tool_use" {
		t.Fatalf("blocks = %+v", s.Blocks)
	}
	if s.Blocks[0].ID != "tu1" || s.Blocks[0].Name != "get_weather" {
		t.Errorf("tool use id/name = %q/%q", s.Blocks[0].ID, s.Blocks[0].Name)
	}
	if string(s.Blocks[0].Input) != `{"city":"nyc"}` {
		t.Errorf("accumulated input = %q", s.Blocks[0].Input)
	}
	if s.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", s.StopReason)
	}
}

func TestStreamStateEmbeddedThinkingTagSplitsBlocks(t *testing.T) {
	s := NewStreamState(nil, true)

	if err := s.Handle(kiroclient.Event{Type: "assistantResponseEvent", Payload: map[string]any{
		"content": "before <thinking>\nreasoning here\n</thinking>\nafter",
	}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(s.Blocks) != 3 {
		t.Fatalf("expected 3 blocks (text/thinking/text), got %+v", s.Blocks)
	}
	if s.Blocks[0].Type != "text" || s.Blocks[0].Text != "before " {
		t.Errorf("block 0 = %+v", s.Blocks[0])
	}
	if s.Blocks[1].Type != "thinking" || s.Blocks[1].Thinking != "\nreasoning here\n" {
		t.Errorf("block 1 = %+v", s.Blocks[1])
	}
	if s.Blocks[2].Type != "text" || s.Blocks[2].Text != "\nafter" {
		t.Errorf("block 2 = %+v", s.Blocks[2])
	}
}

func TestStreamStateUsageFallsBackToContextPercentage(t *testing.T) {
	s := NewStreamState(nil, false)
	if err := s.Handle(kiroclient.Event{Type: "meteringEvent", Payload: map[string]any{"contextUsagePercentage": 12.5}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if s.InputTokens != 25000 {
		t.Errorf("input tokens = %d, want 25000", s.InputTokens)
	}
}

func TestStreamStateUsageReadsExplicitTokenCounts(t *testing.T) {
	s := NewStreamState(nil, false)
	if err := s.Handle(kiroclient.Event{Type: "meteringEvent", Payload: map[string]any{
		"usage": map[string]any{"inputTokens": float64(42), "outputTokens": float64(7)},
	}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if s.InputTokens != 42 || s.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", s.InputTokens, s.OutputTokens)
	}
}

func TestNormalizeChunkHandlesGrowingAccumulation(t *testing.T) {
	var prev string
	if got := normalizeChunk("Hello", &prev); got != "Hello" {
		t.Errorf("first chunk = %q", got)
	}
	if got := normalizeChunk("Hello, world", &prev); got != ", world" {
		t.Errorf("delta = %q, want %q", got, ", world")
	}
	if got := normalizeChunk("Hello, world", &prev); got != "" {
		t.Errorf("repeat chunk should yield no delta, got %q", got)
	}
}

func TestNormalizeChunkHandlesPureDeltaStyle(t *testing.T) {
	var prev string
	normalizeChunk("Hello", &prev)
	if got := normalizeChunk(" there", &prev); got != " there" {
		t.Errorf("non-overlapping delta = %q, want %q", got, " there")
	}
}

func TestFindRealThinkingEndTagSkipsCodeBlockOccurrence(t *testing.T) {
	content := "```\n</thinking>\n```\nreal </thinking>\n"
	idx := findRealThinkingEndTag(content, false, false)
	want := len("```\n</thinking>\n```\nreal ")
	if idx != want {
		t.Errorf("idx = %d, want %d (content=%q)", idx, want, content)
	}
}

func TestFindRealThinkingEndTagSkipsDiscussionMention(t *testing.T) {
	content := "I will return a </thinking> tag here.\nactual close </thinking>\n"
	idx := findRealThinkingEndTag(content, false, false)
	if idx < 0 {
		t.Fatalf("expected a match, got none")
	}
	if content[idx:idx+len(thinkingEndTag)] != thinkingEndTag {
		t.Fatalf("idx %d does not point at a close tag in %q", idx, content)
	}
	// must have skipped the first, discussion-style occurrence
	if idx < len("I will return a ") {
		t.Errorf("matched the discussed occurrence instead of the real close, idx=%d", idx)
	}
}
