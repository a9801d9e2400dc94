package gemini

import "google.golang.org/genai"

// Request is one generateContent call, built fresh for each gateway request.
type Request struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

// StreamEvent carries one streamed response, or the error that ended the stream.
type StreamEvent struct {
	Response *genai.GenerateContentResponse
	Err      error
}

// ModelInfo is a model entry in the OpenAI /v1/models shape.
type ModelInfo struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	Created          int64  `json:"created"`
	OwnedBy          string `json:"owned_by"`
	DisplayName      string `json:"display_name,omitempty"`
	InputTokenLimit  int32  `json:"input_token_limit,omitempty"`
	OutputTokenLimit int32  `json:"output_token_limit,omitempty"`
}

// StaticModels builds listing entries for configured model ids.
func StaticModels(ids []string, created int64) []ModelInfo {
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, ModelInfo{ID: id, Object: "model", Created: created, OwnedBy: ownedBy})
	}
	return out
}
