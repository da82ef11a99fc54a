// Package translator implements C4/C5: converting between the Anthropic
// Messages dialect and Kiro's converse wire protocol.
package translator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiro-proxy/anthropic-bridge/internal/anthropic"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
)

// generateToolUseID synthesizes an id for a tool_use/tool_result pair that
// arrived without one, following the teacher's toolu_<hex> convention in
// internal/proxy/translator/claude.go's generateToolUseID.
func generateToolUseID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return "toolu_" + hex.EncodeToString(b)
}

// decodeContent normalizes a message's content field: a bare JSON string is
// promoted to a singleton text block, matching §4.4's "string-form content"
// rule; an array is decoded as-is.
func decodeContent(raw json.RawMessage) ([]anthropic.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: asString}}, nil
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, kiroerrors.Wrap(kiroerrors.TranslationError, "decode message content", err)
	}
	return blocks, nil
}

func systemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", kiroerrors.Wrap(kiroerrors.TranslationError, "decode system prompt", err)
	}
	var out string
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

// joinedText concatenates the text/thinking blocks of a message, the same
// flattening §4.4 calls for when handing content to Kiro's single "content"
// string field.
func joinedText(blocks []anthropic.ContentBlock) string {
	var out string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out += b.Text
		case "thinking":
			out += b.Thinking
		}
	}
	return out
}

// imagesOf extracts image blocks as Kiro Images, matching §4.4's "images:
// passed through if upstream supports them" rule - UserInputMessage.Images
// proves upstream support exists. A block whose source isn't inline base64
// (the only form Kiro's bytes field can carry) can't be passed through, so
// it fails with UnsupportedContent rather than being silently dropped.
func imagesOf(blocks []anthropic.ContentBlock) ([]kiroclient.Image, error) {
	var out []kiroclient.Image
	for _, b := range blocks {
		if b.Type != "image" {
			continue
		}
		if b.Source == nil || b.Source.Type != "base64" || b.Source.Data == "" {
			return nil, kiroerrors.New(kiroerrors.UnsupportedContent, "image content block requires inline base64 source")
		}
		img := kiroclient.Image{Format: imageFormat(b.Source.MediaType)}
		img.Source.Bytes = b.Source.Data
		out = append(out, img)
	}
	return out, nil
}

// imageFormat derives Kiro's bare format string ("png", "jpeg", ...) from
// an Anthropic media type like "image/png".
func imageFormat(mediaType string) string {
	if idx := strings.Index(mediaType, "/"); idx >= 0 {
		return mediaType[idx+1:]
	}
	return mediaType
}

func toolUses(blocks []anthropic.ContentBlock) []kiroclient.ToolUse {
	var out []kiroclient.ToolUse
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		var input map[string]any
		if len(b.Input) > 0 {
			json.Unmarshal(b.Input, &input)
		}
		id := b.ID
		if id == "" {
			id = generateToolUseID()
		}
		out = append(out, kiroclient.ToolUse{ToolUseId: id, Name: b.Name, Input: input})
	}
	return out
}

func toolResults(blocks []anthropic.ContentBlock) []kiroclient.ToolResult {
	var out []kiroclient.ToolResult
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		status := "success"
		if b.IsError {
			status = "error"
		}
		var content []map[string]any
		if len(b.Content) > 0 {
			var asString string
			if err := json.Unmarshal(b.Content, &asString); err == nil {
				content = []map[string]any{{"text": asString}}
			} else {
				var inner []anthropic.ContentBlock
				if err := json.Unmarshal(b.Content, &inner); err == nil {
					for _, c := range inner {
						content = append(content, map[string]any{"text": c.Text})
					}
				}
			}
		}
		toolUseID := b.ToolUseID
		if toolUseID == "" {
			toolUseID = generateToolUseID()
		}
		out = append(out, kiroclient.ToolResult{ToolUseId: toolUseID, Content: content, Status: status, IsError: b.IsError})
	}
	return out
}

func toolDefs(tools []anthropic.ToolDef) []kiroclient.Tool {
	out := make([]kiroclient.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any
		if len(t.InputSchema) > 0 {
			json.Unmarshal(t.InputSchema, &schema)
		}
		out = append(out, kiroclient.Tool{
			ToolSpecification: kiroclient.ToolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: kiroclient.InputSchema{Json: schema},
			},
		})
	}
	return out
}

// BuildConverseRequest translates req into the upstream converse payload.
// profileArn is the account-scoped routing hint carried by the
// dispatcher's current lease.
func BuildConverseRequest(req *anthropic.Request, profileArn string) (*kiroclient.ConverseRequest, error) {
	if len(req.Messages) == 0 {
		return nil, kiroerrors.New(kiroerrors.InvalidRequest, "messages must not be empty")
	}

	modelID, err := ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	sys, err := systemText(req.System)
	if err != nil {
		return nil, err
	}

	history := make([]kiroclient.HistoryEntry, 0, len(req.Messages)-1)
	for i := 0; i < len(req.Messages)-1; i++ {
		msg := req.Messages[i]
		blocks, err := decodeContent(msg.RawContent)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case "assistant":
			history = append(history, kiroclient.HistoryEntry{
				AssistantResponseMessage: &kiroclient.AssistantResponseMessage{
					Content:  joinedText(blocks),
					ToolUses: toolUses(blocks),
				},
			})
		default:
			images, err := imagesOf(blocks)
			if err != nil {
				return nil, err
			}
			uim := kiroclient.UserInputMessage{Content: joinedText(blocks), ModelId: modelID, Images: images}
			if results := toolResults(blocks); len(results) > 0 {
				uim.UserInputMessageContext = &kiroclient.UserInputMessageContext{ToolResults: results}
			}
			history = append(history, kiroclient.HistoryEntry{UserInputMessage: &uim})
		}
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return nil, kiroerrors.New(kiroerrors.InvalidRequest, "last message must have role user")
	}
	lastBlocks, err := decodeContent(last.RawContent)
	if err != nil {
		return nil, err
	}

	content := joinedText(lastBlocks)
	if sys != "" {
		content = fmt.Sprintf("[System]: %s\n\n%s", sys, content)
	}

	images, err := imagesOf(lastBlocks)
	if err != nil {
		return nil, err
	}

	current := kiroclient.UserInputMessage{
		Content: content,
		ModelId: modelID,
		Origin:  "AI_EDITOR",
		Images:  images,
	}

	tools := toolDefs(req.Tools)
	results := toolResults(lastBlocks)
	if len(tools) > 0 || len(results) > 0 {
		current.UserInputMessageContext = &kiroclient.UserInputMessageContext{
			Tools:       tools,
			ToolResults: results,
		}
	}

	inference := &kiroclient.InferenceConfiguration{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		inference.Thinking = &kiroclient.Thinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}

	return &kiroclient.ConverseRequest{
		ConversationState: kiroclient.ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationId:  uuid.NewString(),
			CurrentMessage:  kiroclient.CurrentMessage{UserInputMessage: current},
			History:         history,
		},
		ProfileArn:             profileArn,
		InferenceConfiguration: inference,
	}, nil
}
