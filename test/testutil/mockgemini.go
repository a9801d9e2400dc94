package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockGemini is an httptest.Server that speaks the subset of the Gemini REST
// API the gateway uses: generateContent, streamGenerateContent (alt=sse) and
// the models listing.
type MockGemini struct {
	Server *httptest.Server

	mu sync.Mutex
	// Answer is returned whole by generateContent and word by word when streaming.
	answer string
	// frames, when set, replaces the word stream with raw response JSON objects.
	frames []string
	// failAfter > 0 cuts the stream with an undecodable frame after that many frames.
	failAfter int
	// errStatus > 0 makes every call fail with that HTTP status.
	errStatus int
	models    []map[string]any

	lastRequest map[string]any
	lastModel   string
	calls       int
}

// NewMockGemini creates and starts a mock Gemini server answering with answer.
func NewMockGemini(answer string) *MockGemini {
	m := &MockGemini{
		answer: answer,
		models: []map[string]any{
			{
				"name":                       "models/gemini-2.5-flash",
				"displayName":                "Gemini 2.5 Flash",
				"inputTokenLimit":            1048576,
				"outputTokenLimit":           65536,
				"supportedGenerationMethods": []string{"generateContent", "countTokens"},
			},
			{
				"name":                       "models/text-embedding-004",
				"displayName":                "Text Embedding 004",
				"supportedGenerationMethods": []string{"embedContent"},
			},
		},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockGemini) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockGemini) URL() string {
	return m.Server.URL
}

// SetFrames makes streamGenerateContent emit exactly these response objects.
func (m *MockGemini) SetFrames(frames ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = frames
}

// FailStreamAfter cuts every stream with a broken frame after n good ones.
func (m *MockGemini) FailStreamAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// FailWith makes every call answer with an API error of the given status.
func (m *MockGemini) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errStatus = status
}

// LastRequest returns the most recent decoded request body.
func (m *MockGemini) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// LastModel returns the model named in the most recent request path.
func (m *MockGemini) LastModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastModel
}

// Calls reports how many requests reached the mock.
func (m *MockGemini) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockGemini) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.calls++
	errStatus := m.errStatus
	m.mu.Unlock()

	if errStatus > 0 {
		writeAPIError(w, errStatus)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/models"):
		m.writeModels(w)
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":generateContent"):
		if !m.capture(w, r) {
			return
		}
		m.writeBlocking(w)
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":streamGenerateContent"):
		if !m.capture(w, r) {
			return
		}
		m.writeStreaming(w)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockGemini) capture(w http.ResponseWriter, r *http.Request) bool {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	model := r.URL.Path[strings.LastIndex(r.URL.Path, "/models/")+len("/models/"):]
	model, _, _ = strings.Cut(model, ":")

	m.mu.Lock()
	m.lastRequest = body
	m.lastModel = model
	m.mu.Unlock()
	return true
}

func (m *MockGemini) writeModels(w http.ResponseWriter) {
	m.mu.Lock()
	models := m.models
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
}

func (m *MockGemini) writeBlocking(w http.ResponseWriter) {
	m.mu.Lock()
	answer := m.answer
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(responseObject(answer, "STOP", true))
}

func (m *MockGemini) writeStreaming(w http.ResponseWriter) {
	m.mu.Lock()
	frames, failAfter, answer := m.frames, m.failAfter, m.answer
	m.mu.Unlock()

	if frames == nil {
		words := strings.Fields(answer)
		for i, word := range words {
			if i > 0 {
				word = " " + word
			}
			last := i == len(words)-1
			finish := ""
			if last {
				finish = "STOP"
			}
			data, _ := json.Marshal(responseObject(word, finish, last))
			frames = append(frames, string(data))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	for i, frame := range frames {
		if failAfter > 0 && i == failAfter {
			fmt.Fprint(w, "data: {not json\n\n")
			if hasFlusher {
				flusher.Flush()
			}
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		if hasFlusher {
			flusher.Flush()
		}
	}
}

func responseObject(text, finishReason string, withUsage bool) map[string]any {
	candidate := map[string]any{
		"index": 0,
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": text}},
		},
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	resp := map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": "gemini-2.5-flash",
	}
	if withUsage {
		resp["usageMetadata"] = map[string]any{
			"promptTokenCount":     3,
			"candidatesTokenCount": 4,
			"totalTokenCount":      7,
		}
	}
	return resp
}

func writeAPIError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": "mock failure",
			"status":  strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
		},
	})
}
