package openai

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/zhengjr9/gemini-gateway/internal/config"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
)

// fakeBackend is a scripted adapter.Backend.
type fakeBackend struct {
	resp      *genai.GenerateContentResponse
	err       error
	events    []*genai.GenerateContentResponse
	streamErr error
	// endless keeps yielding text events until the consumer stops.
	endless bool
	models  []gemini.ModelInfo

	mu      sync.Mutex
	lastReq *gemini.Request
	yielded atomic.Int32
	stopped atomic.Bool
}

func (f *fakeBackend) record(req *gemini.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
}

func (f *fakeBackend) SendChat(_ context.Context, req *gemini.Request) (*genai.GenerateContentResponse, error) {
	f.record(req)
	return f.resp, f.err
}

func (f *fakeBackend) SendChatStream(ctx context.Context, req *gemini.Request) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.record(req)
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		defer f.stopped.Store(true)
		for _, ev := range f.events {
			f.yielded.Add(1)
			if !yield(ev, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
			return
		}
		for f.endless && ctx.Err() == nil {
			f.yielded.Add(1)
			if !yield(textResp("tick", ""), nil) {
				return
			}
		}
	}
}

func (f *fakeBackend) ListModels(context.Context) ([]gemini.ModelInfo, error) {
	return f.models, f.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DefaultModel = "gemini-test"
	return cfg
}

func textResp(text string, finish genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			FinishReason: finish,
		}},
	}
}

func callResp(finish genai.FinishReason, calls ...*genai.FunctionCall) *genai.GenerateContentResponse {
	parts := make([]*genai.Part, 0, len(calls))
	for _, fc := range calls {
		parts = append(parts, &genai.Part{FunctionCall: fc})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: parts},
			FinishReason: finish,
		}},
	}
}

func testMeta() CompletionMeta {
	return CompletionMeta{ID: "chatcmpl-test", Created: 1700000000, Model: "gemini-test"}
}
