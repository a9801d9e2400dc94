package proxy

import (
	"context"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/zhengjr9/gemini-gateway/internal/config"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
)

type stubBackend struct{}

func (stubBackend) SendChat(context.Context, *gemini.Request) (*genai.GenerateContentResponse, error) {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText("pong", genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
	}, nil
}

func (stubBackend) SendChatStream(context.Context, *gemini.Request) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(func(*genai.GenerateContentResponse, error) bool) {}
}

func (stubBackend) ListModels(context.Context) ([]gemini.ModelInfo, error) {
	return []gemini.ModelInfo{{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google"}}, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	srv := httptest.NewServer(New(cfg, stubBackend{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat/completions",
		`{"messages":[{"role":"user","content":"ping"}]}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"content":"pong"`)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/models", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"gemini-2.5-flash"`)
}

func TestUnknownRouteIsBare404(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/nope"},
		{http.MethodGet, "/v1/chat/completions"},
		{http.MethodDelete, "/v1/models"},
		{http.MethodGet, "//v1/models"},
		{http.MethodGet, "/v1/./models"},
		{http.MethodGet, "/v1/x/../models"},
		{http.MethodPost, "//v1/chat/completions"},
	} {
		resp, body := do(t, tc.method, srv.URL+tc.path, "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.method+" "+tc.path)
		assert.Empty(t, body)
		assert.Empty(t, resp.Header.Get("Location"))
	}
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/v1/chat/completions", "/anything"} {
		resp, body := do(t, http.MethodOptions, srv.URL+path, "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Empty(t, body)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "GET,POST,OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/models", "", nil)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), "CORS on regular responses")
}

func TestMetricsEndpoint(t *testing.T) {
	off := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, off.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newTestServer(t, func(c *config.Config) { c.MetricsEnabled = true })
	do(t, http.MethodGet, on.URL+"/v1/models", "", nil)
	resp, body := do(t, http.MethodGet, on.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `gateway_requests_total{method="GET",route="/v1/models",status="2xx"}`)
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/models", "", http.Header{"X-Request-Id": {"abc-123"}})
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/models", "", nil)
	assert.Len(t, resp.Header.Get("X-Request-Id"), 36)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := loggingMiddleware(nil, recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestRecoveryAfterHeaders(t *testing.T) {
	handler := loggingMiddleware(nil, recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "partial")
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}
