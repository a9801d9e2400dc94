package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	finishStop          = "stop"
	finishLength        = "length"
	finishToolCalls     = "tool_calls"
	finishContentFilter = "content_filter"
)

// MapResponse translates a generateContent reply into a chat completion.
// Choices map one to one onto candidates, in order.
func MapResponse(resp *genai.GenerateContentResponse, meta CompletionMeta) *ChatCompletionResponse {
	out := &ChatCompletionResponse{
		ID:      meta.ID,
		Object:  "chat.completion",
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []Choice{},
		Usage:   mapUsage(resp.UsageMetadata),
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			empty := ""
			out.Choices = append(out.Choices, Choice{
				Message:      ResponseMessage{Role: "assistant", Content: &empty},
				FinishReason: finishContentFilter,
			})
		}
		return out
	}

	for i, c := range resp.Candidates {
		out.Choices = append(out.Choices, mapCandidate(i, c, meta))
	}
	return out
}

func mapCandidate(index int, c *genai.Candidate, meta CompletionMeta) Choice {
	var text, thoughts strings.Builder
	var calls []ToolCall
	if c.Content != nil {
		for _, p := range c.Content.Parts {
			switch {
			case p == nil:
			case p.FunctionCall != nil:
				calls = append(calls, ToolCall{
					ID:   toolCallID(p.FunctionCall.ID, meta.ID, index, len(calls)),
					Type: "function",
					Function: FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: encodeArgs(p.FunctionCall.Args),
					},
				})
			case p.Thought:
				thoughts.WriteString(p.Text)
			default:
				text.WriteString(p.Text)
			}
		}
	}

	msg := ResponseMessage{Role: "assistant", ToolCalls: calls}
	content := text.String()
	if thoughts.Len() > 0 {
		if meta.ThinkTags {
			content = "<think>" + thoughts.String() + "</think>" + content
		} else {
			msg.ReasoningContent = thoughts.String()
		}
	}
	if content != "" || len(calls) == 0 {
		msg.Content = &content
	}

	return Choice{
		Index:        index,
		Message:      msg,
		FinishReason: mapFinishReason(c.FinishReason, len(calls) > 0),
	}
}

// mapFinishReason folds Gemini's finish reasons onto OpenAI's. A stop with
// pending function calls is reported as tool_calls.
func mapFinishReason(reason genai.FinishReason, hasToolCalls bool) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return finishLength
	case genai.FinishReasonSafety,
		genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII,
		genai.FinishReasonImageSafety:
		return finishContentFilter
	}
	if hasToolCalls {
		return finishToolCalls
	}
	return finishStop
}

func mapUsage(u *genai.GenerateContentResponseUsageMetadata) *Usage {
	if u == nil {
		return nil
	}
	usage := &Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
	if u.ThoughtsTokenCount > 0 {
		usage.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: u.ThoughtsTokenCount}
	}
	return usage
}

// toolCallID keeps the backend's call id, or derives a stable one from the
// completion id and the call's position.
func toolCallID(backendID, completionID string, choice, n int) string {
	if backendID != "" {
		return backendID
	}
	return fmt.Sprintf("call_%s_%d_%d", strings.TrimPrefix(completionID, "chatcmpl-"), choice, n)
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
