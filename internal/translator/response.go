package translator

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kiro-proxy/anthropic-bridge/internal/anthropic"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// contextWindowTokens backs the contextUsagePercentage fallback (§4.5):
	// input_tokens = percentage * contextWindowTokens / 100.
	contextWindowTokens = 200000
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamState is the {open_block_index, open_block_kind, next_index,
// accumulator} state machine from §4.5/§9, grounded on the reference
// client's streamState/streamToChannel pair and generalized from its
// channel-of-StreamChunk idiom to direct SSEWriter calls.
type StreamState struct {
	sse             *anthropic.SSEWriter
	thinkingWanted  bool
	openIndex       int
	openKind        blockKind
	nextIndex       int
	currentToolUse  *toolUseAccumulator
	lastAssistant   string
	lastReasoning   string
	inThinkingBlock bool // mid-text embedded <thinking> tag currently open
	inCodeBlock     bool
	inInlineCode    bool

	InputTokens  int
	OutputTokens int
	StopReason   string
	Blocks       []anthropic.ContentBlock // accumulated for non-stream mode
}

type toolUseAccumulator struct {
	id    string
	name  string
	input strings.Builder
}

func NewStreamState(sse *anthropic.SSEWriter, thinkingWanted bool) *StreamState {
	return &StreamState{sse: sse, thinkingWanted: thinkingWanted, openKind: blockNone, nextIndex: 0}
}

// Handle processes one decoded upstream event, emitting zero or more SSE
// events (if sse is non-nil) and/or accumulating Blocks for non-stream mode.
func (s *StreamState) Handle(ev kiroclient.Event) error {
	s.updateUsage(ev.Payload)

	switch ev.Type {
	case "assistantResponseEvent":
		content, _ := ev.Payload["content"].(string)
		if content == "" {
			return nil
		}
		delta := normalizeChunk(content, &s.lastAssistant)
		if delta == "" {
			return nil
		}
		return s.handleTextChunk(delta)

	case "reasoningContentEvent":
		text, _ := ev.Payload["text"].(string)
		if text == "" {
			return nil
		}
		delta := normalizeChunk(text, &s.lastReasoning)
		if delta == "" || !s.thinkingWanted {
			return nil
		}
		return s.emitThinkingDelta(delta)

	case "toolUseEvent":
		return s.handleToolUseEvent(ev.Payload)

	case "meteringEvent":
		return nil
	}
	return nil
}

// handleTextChunk splits embedded <thinking>...</thinking> tags out of a
// plain text delta when the dedicated reasoningContentEvent type isn't used
// by upstream, using findRealThinkingEndTag's false-positive checks.
func (s *StreamState) handleTextChunk(chunk string) error {
	for len(chunk) > 0 {
		if s.inThinkingBlock {
			endIdx := findRealThinkingEndTag(chunk, s.inCodeBlock, s.inInlineCode)
			if endIdx < 0 {
				if s.thinkingWanted {
					if err := s.emitThinkingDelta(chunk); err != nil {
						return err
					}
				}
				s.updateFenceState(chunk)
				return nil
			}
			before := chunk[:endIdx]
			if s.thinkingWanted && before != "" {
				if err := s.emitThinkingDelta(before); err != nil {
					return err
				}
			}
			s.updateFenceState(before)
			s.inThinkingBlock = false
			chunk = chunk[endIdx+len(thinkingEndTag):]
			continue
		}

		startIdx := strings.Index(chunk, thinkingStartTag)
		if startIdx < 0 {
			return s.emitTextDelta(chunk)
		}
		before := chunk[:startIdx]
		if before != "" {
			if err := s.emitTextDelta(before); err != nil {
				return err
			}
		}
		s.inThinkingBlock = true
		chunk = chunk[startIdx+len(thinkingStartTag):]
	}
	return nil
}

func (s *StreamState) updateFenceState(text string) {
	if strings.Count(text, "`")%2 == 1 {
		s.inInlineCode = !s.inInlineCode
	}
	if strings.Count(text, "```")%2 == 1 || strings.Count(text, "~~~")%2 == 1 {
		s.inCodeBlock = !s.inCodeBlock
	}
}

func (s *StreamState) emitTextDelta(text string) error {
	if err := s.ensureOpen(blockText); err != nil {
		return err
	}
	s.Blocks[s.openIndex].Text += text
	if s.sse != nil {
		return s.sse.TextDelta(s.openIndex, text)
	}
	return nil
}

func (s *StreamState) emitThinkingDelta(text string) error {
	if err := s.ensureOpen(blockThinking); err != nil {
		return err
	}
	s.Blocks[s.openIndex].Thinking += text
	if s.sse != nil {
		return s.sse.ThinkingDelta(s.openIndex, text)
	}
	return nil
}

func (s *StreamState) handleToolUseEvent(payload map[string]any) error {
	toolUseID, _ := payload["toolUseId"].(string)
	name, _ := payload["name"].(string)
	isStop, _ := payload["stop"].(bool)

	if toolUseID != "" && name != "" && (s.currentToolUse == nil || s.currentToolUse.id != toolUseID) {
		if s.currentToolUse != nil {
			if err := s.finishToolUse(); err != nil {
				return err
			}
		}
		// Each tool use gets its own block, even directly after another one.
		if s.openKind == blockToolUse {
			if s.sse != nil {
				if err := s.sse.ContentBlockStop(s.openIndex); err != nil {
					return err
				}
			}
			s.openKind = blockNone
		}
		if err := s.ensureOpen(blockToolUse); err != nil {
			return err
		}
		s.currentToolUse = &toolUseAccumulator{id: toolUseID, name: name}
		s.Blocks[s.openIndex].ID = toolUseID
		s.Blocks[s.openIndex].Name = name
	}

	if s.currentToolUse != nil {
		switch input := payload["input"].(type) {
		case string:
			if input != "" {
				s.currentToolUse.input.WriteString(input)
				if s.sse != nil {
					if err := s.sse.InputJSONDelta(s.openIndex, input); err != nil {
						return err
					}
				}
			}
		case map[string]any:
			data, _ := json.Marshal(input)
			s.currentToolUse.input.Reset()
			s.currentToolUse.input.Write(data)
			if s.sse != nil {
				if err := s.sse.InputJSONDelta(s.openIndex, string(data)); err != nil {
					return err
				}
			}
		}
	}

	if isStop && s.currentToolUse != nil {
		return s.finishToolUse()
	}
	return nil
}

func (s *StreamState) finishToolUse() error {
	s.Blocks[s.openIndex].Input = json.RawMessage(s.currentToolUse.input.String())
	s.currentToolUse = nil
	return nil
}

// ensureOpen transitions the open block to kind, closing the previous block
// and starting a new one if the kind changed (or nothing is open yet).
func (s *StreamState) ensureOpen(kind blockKind) error {
	if s.openKind == kind {
		return nil
	}
	if s.openKind != blockNone {
		if s.sse != nil {
			if err := s.sse.ContentBlockStop(s.openIndex); err != nil {
				return err
			}
		}
	}

	s.openKind = kind
	s.openIndex = s.nextIndex
	s.nextIndex++

	var block anthropic.ContentBlock
	switch kind {
	case blockText:
		block = anthropic.ContentBlock{Type: "text"}
	case blockThinking:
		block = anthropic.ContentBlock{Type: "thinking"}
	case blockToolUse:
		block = anthropic.ContentBlock{Type: "tool_use"}
	}
	s.Blocks = append(s.Blocks, block)

	if s.sse != nil {
		return s.sse.ContentBlockStart(s.openIndex, block)
	}
	return nil
}

// Close finalizes the last open block, if any, determining stop_reason.
func (s *StreamState) Close() error {
	if s.openKind == blockNone {
		return nil
	}
	if s.StopReason == "" {
		if s.openKind == blockToolUse {
			s.StopReason = "tool_use"
		} else {
			s.StopReason = "end_turn"
		}
	}
	if s.sse != nil {
		return s.sse.ContentBlockStop(s.openIndex)
	}
	return nil
}

func (s *StreamState) updateUsage(payload map[string]any) {
	candidates := []map[string]any{payload}
	collectUsageMaps(payload, &candidates)

	for _, usage := range candidates {
		if usage == nil {
			continue
		}
		if v, ok := readTokenNumber(usage, "outputTokens", "completionTokens", "output_tokens"); ok {
			s.OutputTokens = v
		}
		if v, ok := readTokenNumber(usage, "inputTokens", "promptTokens", "input_tokens"); ok {
			s.InputTokens = v
			continue
		}
		if pct, ok := readFloat(usage, "contextUsagePercentage"); ok {
			s.InputTokens = int(pct * contextWindowTokens / 100)
		}
	}
	if reason, ok := payload["stopReason"].(string); ok && reason != "" {
		s.StopReason = mapStopReason(reason)
	}
}

func mapStopReason(upstream string) string {
	switch strings.ToLower(upstream) {
	case "tool_use", "tooluse":
		return "tool_use"
	case "max_tokens", "length":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// normalizeChunk returns only the novel suffix of chunk relative to
// previous, handling both growing-accumulation and pure-delta upstream
// styles, grounded on the reference client's normalizeChunk.
func normalizeChunk(chunk string, previous *string) string {
	prev := *previous
	if prev == "" {
		*previous = chunk
		return chunk
	}
	if chunk == prev {
		return ""
	}
	if strings.HasPrefix(chunk, prev) {
		delta := chunk[len(prev):]
		*previous = chunk
		return delta
	}
	if strings.HasPrefix(prev, chunk) {
		return ""
	}

	maxLen := len(prev)
	if len(chunk) < maxLen {
		maxLen = len(chunk)
	}
	overlap := 0
	for i := maxLen; i > 0; i-- {
		if strings.HasSuffix(prev, chunk[:i]) {
			overlap = i
			break
		}
	}
	*previous = chunk
	if overlap > 0 {
		return chunk[overlap:]
	}
	return chunk
}

// findRealThinkingEndTag locates the first </thinking> occurrence in
// content that looks like a genuine close tag rather than the model
// discussing the tag in prose, mirroring the reference client's heuristics:
// skip matches inside inline/fenced code, and require newline/sentence-end
// framing unless nothing else disqualifies the match.
func findRealThinkingEndTag(content string, inCodeBlock, inInlineCode bool) int {
	searchStart := 0
	for {
		idx := strings.Index(content[searchStart:], thinkingEndTag)
		if idx < 0 {
			return -1
		}
		idx += searchStart

		before := content[:idx]
		after := content[idx+len(thinkingEndTag):]

		effectiveInline := inInlineCode
		if strings.Count(before, "`")%2 == 1 {
			effectiveInline = !effectiveInline
		}
		if effectiveInline {
			searchStart = idx + len(thinkingEndTag)
			continue
		}

		effectiveCodeBlock := inCodeBlock
		if strings.Count(before, "```")%2 == 1 || strings.Count(before, "~~~")%2 == 1 {
			effectiveCodeBlock = !effectiveCodeBlock
		}
		if effectiveCodeBlock {
			searchStart = idx + len(thinkingEndTag)
			continue
		}

		var charBefore byte
		if idx > 0 {
			charBefore = before[len(before)-1]
		}
		var charAfter byte
		if len(after) > 0 {
			charAfter = after[0]
		}
		precededOK := charBefore == '\n' || charBefore == '.' || charBefore == '!' || charBefore == '?' || charBefore == 0
		followedOK := charAfter == '\n' || charAfter == 0

		if precededOK && followedOK {
			return idx
		}

		lastNewline := strings.LastIndex(before, "\n")
		line := before
		if lastNewline >= 0 {
			line = before[lastNewline+1:]
		}
		lineLower := strings.ToLower(line)
		discussing := false
		for _, kw := range []string{"tag", "return", "output", "contain", "<thinking>"} {
			if strings.Contains(lineLower, kw) {
				discussing = true
				break
			}
		}
		if discussing {
			searchStart = idx + len(thinkingEndTag)
			continue
		}

		if len(after) > 0 && charAfter != '\n' {
			nextNewline := strings.Index(after, "\n")
			sameLine := after
			if nextNewline >= 0 {
				sameLine = after[:nextNewline]
			}
			if strings.TrimSpace(sameLine) != "" {
				searchStart = idx + len(thinkingEndTag)
				continue
			}
		}

		return idx
	}
}

func collectUsageMaps(v any, out *[]map[string]any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			lk := strings.ToLower(k)
			if lk == "usage" || lk == "tokenusage" {
				if m, ok := child.(map[string]any); ok {
					*out = append(*out, m)
				}
			}
			collectUsageMaps(child, out)
		}
	case []any:
		for _, child := range t {
			collectUsageMaps(child, out)
		}
	}
}

func readTokenNumber(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func readFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
