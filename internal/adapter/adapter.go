package adapter

import (
	"context"
	"iter"

	"google.golang.org/genai"

	"github.com/zhengjr9/gemini-gateway/internal/gemini"
)

// Backend is the chat-model provider the gateway translates to.
type Backend interface {
	// SendChat performs one non-streaming generation.
	SendChat(ctx context.Context, req *gemini.Request) (*genai.GenerateContentResponse, error)

	// SendChatStream returns the streamed responses of one generation. The
	// upstream call is released when the caller stops iterating.
	SendChatStream(ctx context.Context, req *gemini.Request) iter.Seq2[*genai.GenerateContentResponse, error]

	// ListModels returns the models available for chat.
	ListModels(ctx context.Context) ([]gemini.ModelInfo, error)
}

var _ Backend = (*gemini.Client)(nil)
