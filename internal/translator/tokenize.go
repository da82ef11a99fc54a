package translator

import "github.com/kiro-proxy/anthropic-bridge/internal/anthropic"

// charsPerToken is the rough English-prose ratio used by every "fast
// estimate" tokenizer in the absence of the real Claude BPE tables (the
// upstream doesn't expose a token-counting endpoint for Kiro's converse
// protocol, so count_tokens falls back to this local heuristic per §6).
const charsPerToken = 4

// EstimateTokens approximates input_tokens for handle_count_tokens by
// summing the character length of every text-bearing field (system,
// message content, tool schemas) and dividing by charsPerToken, rounding up
// so a short non-empty prompt never reports zero.
func EstimateTokens(req *anthropic.Request) (int, error) {
	var chars int

	sys, err := systemText(req.System)
	if err != nil {
		return 0, err
	}
	chars += len(sys)

	for _, msg := range req.Messages {
		blocks, err := decodeContent(msg.RawContent)
		if err != nil {
			return 0, err
		}
		for _, b := range blocks {
			chars += len(b.Text) + len(b.Thinking)
			chars += len(b.Input)
			chars += len(b.Content)
		}
	}

	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}

	if chars == 0 {
		return 0, nil
	}
	tokens := (chars + charsPerToken - 1) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens, nil
}
