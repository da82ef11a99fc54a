// Package kiroclient speaks the upstream Kiro (AWS CodeWhisperer-like)
// converse protocol: request envelope construction, dual-endpoint dispatch,
// and AWS event-stream response framing.
package kiroclient

// Wire-level request/response shapes, grounded on the CodeWhisperer protocol
// reference in the retrieval pack (kiro_types.go's KiroRequest family) and
// generalized past its single-endpoint assumption to the dual-endpoint
// fallback the rest of the pack shows (ndnhatvien-kiro-stack's kiroEndpoint
// table).

// ConverseRequest is the top-level payload posted to a Kiro endpoint.
type ConverseRequest struct {
	ConversationState      ConversationState       `json:"conversationState"`
	ProfileArn             string                  `json:"profileArn,omitempty"`
	InferenceConfiguration *InferenceConfiguration `json:"inferenceConfiguration,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationId  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelId                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type Image struct {
	Format string `json:"format"`
	Source struct {
		Bytes string `json:"bytes"`
	} `json:"source"`
}

type UserInputMessageContext struct {
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	Json any `json:"json"`
}

type ToolResult struct {
	ToolUseId string           `json:"toolUseId"`
	Content   []map[string]any `json:"content"`
	Status    string           `json:"status"`
	IsError   bool             `json:"isError,omitempty"`
}

// HistoryEntry is one prior turn; exactly one of the two fields is set,
// mirroring the upstream's tagged-union-via-omitempty convention.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string     `json:"content"`
	ToolUses []ToolUse  `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseId string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type InferenceConfiguration struct {
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
}

type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budgetTokens"`
}

// QuotaResponse is the shape of the out-of-band usage query (§4.3a).
type QuotaResponse struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// ModelMap translates an Anthropic model name into the Kiro model id Kiro
// expects in UserInputMessage.ModelId, grounded on kiro_types.go's
// KiroModelMap.
var ModelMap = map[string]string{
	"claude-opus-4-5-20251101":   "CLAUDE_OPUS_4_5_20251101_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku-20241022":  "auto",
	"claude-haiku-4-5-20251001":  "auto",

	"claude-3-7-sonnet": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-sonnet-4":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-opus-4-5":   "CLAUDE_OPUS_4_5_20251101_V1_0",
}

// Catalog backs GET /v1/models, one entry per dated Anthropic name in
// ModelMap (including the two that map to "auto"). The short undated
// aliases ModelMap also accepts are not listed.
var Catalog = []string{
	"claude-opus-4-5-20251101",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022",
	"claude-haiku-4-5-20251001",
}
