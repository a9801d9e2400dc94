// Package a2a exposes the Gemini backend as an ADK agent served over A2A.
package a2a

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/gemini-gateway/internal/adapter"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
)

// AgentConfig holds the configuration for the Gemini-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Backend generates the replies.
	Backend adapter.Backend
	// Model is the Gemini model every invocation uses.
	Model string
}

// New returns an agent.Agent whose Run streams the user's message through
// the backend and converts each response into session.Events that the ADK
// runner understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("a2a agent: Name must not be empty")
	}
	if cfg.Backend == nil {
		return nil, errors.New("a2a agent: Backend must not be nil")
	}
	if cfg.Model == "" {
		return nil, errors.New("a2a agent: Model must not be empty")
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			content := userContent(ctx.UserContent())
			if content == nil {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.LLMResponse = model.LLMResponse{Content: textContent("(empty input)")}
				yield(ev, nil)
				return
			}

			req := &gemini.Request{Model: cfg.Model, Contents: []*genai.Content{content}}
			full, ok := streamText(cfg.Backend.SendChatStream(ctx, req), func(fragment string) bool {
				// Partial events let streaming A2A clients see tokens as they arrive.
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.Branch = ctx.Branch()
				ev.LLMResponse = model.LLMResponse{Content: textContent(fragment), Partial: true}
				return yield(ev, nil)
			}, func(err error) {
				log.WithFields(log.Fields{"invocation_id": ctx.InvocationID(), "error": err}).Warn("a2a generation failed")
				yield(nil, fmt.Errorf("gemini stream: %w", err))
			})
			if !ok {
				return
			}

			// The final non-partial event makes IsFinalResponse() true so the
			// runner closes the invocation.
			finalEv := session.NewEvent(ctx.InvocationID())
			finalEv.Author = cfg.Name
			finalEv.Branch = ctx.Branch()
			finalEv.LLMResponse = model.LLMResponse{Content: textContent(full)}
			yield(finalEv, nil)
		}
	}
}

// streamText drains seq, handing every visible text fragment to emit and
// returning the concatenation. ok is false when the stream failed or emit
// asked to stop; fail receives the stream error.
func streamText(seq iter.Seq2[*genai.GenerateContentResponse, error], emit func(string) bool, fail func(error)) (full string, ok bool) {
	var sb strings.Builder
	for resp, err := range seq {
		if err != nil {
			fail(err)
			return "", false
		}
		fragment := responseText(resp)
		if fragment == "" {
			continue
		}
		sb.WriteString(fragment)
		if !emit(fragment) {
			return "", false
		}
	}
	return sb.String(), true
}

// responseText joins the non-thought text of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// userContent keeps the non-empty parts of the caller's message, sent to
// Gemini as the user turn. nil means there is nothing to send.
func userContent(content *genai.Content) *genai.Content {
	if content == nil {
		return nil
	}
	var parts []*genai.Part
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if strings.TrimSpace(part.Text) == "" && part.InlineData == nil && part.FileData == nil {
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

// textContent wraps a string into a model-authored *genai.Content.
func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
