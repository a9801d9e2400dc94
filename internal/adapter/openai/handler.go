package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/zhengjr9/gemini-gateway/internal/adapter"
	"github.com/zhengjr9/gemini-gateway/internal/config"
	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
	"github.com/zhengjr9/gemini-gateway/internal/httputil"
	"github.com/zhengjr9/gemini-gateway/internal/metrics"
)

// Handler implements the OpenAI chat completions endpoint.
type Handler struct {
	backend      adapter.Backend
	defaultModel string
	timeout      time.Duration
	maxBody      int64
	streamBuffer int
	thinkTags    bool
}

// NewHandler constructs a Handler.
func NewHandler(backend adapter.Backend, cfg *config.Config) *Handler {
	return &Handler{
		backend:      backend,
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.RequestTimeout,
		maxBody:      cfg.MaxBodyBytes,
		streamBuffer: cfg.StreamBuffer,
		thinkTags:    cfg.ReasoningFormat == config.ReasoningThinkTags,
	}
}

// ServeHTTP handles POST /v1/chat/completions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := httputil.NewResponseWriter(w)
	logger := log.WithField("request_id", httputil.RequestID(r.Context()))

	req, err := h.decode(w, r)
	if err != nil {
		logger.WithError(err).Warn("rejecting chat completion request")
		_ = rw.WriteError(err)
		return
	}

	gReq, tools, err := MapRequest(req, MapOptions{DefaultModel: h.defaultModel})
	if err != nil {
		logger.WithError(err).Warn("cannot translate chat completion request")
		_ = rw.WriteError(err)
		return
	}

	meta := CompletionMeta{
		ID:        "chatcmpl-" + uuid.NewString(),
		Created:   time.Now().Unix(),
		Model:     gReq.Model,
		ThinkTags: h.thinkTags,
	}
	logger = logger.WithFields(log.Fields{"model": meta.Model, "stream": req.Stream})

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if req.Stream {
		opts := StreamOptions{IncludeUsage: req.StreamOptions != nil && req.StreamOptions.IncludeUsage}
		if req.N != nil {
			opts.Candidates = *req.N
		}
		h.stream(ctx, r.Context(), rw, gReq, NewStreamMapper(meta, opts), tools, logger)
		return
	}

	resp, err := h.backend.SendChat(ctx, gReq)
	if err != nil {
		logger.WithError(err).Error("backend request failed")
		_ = rw.WriteError(err)
		return
	}
	out := MapResponse(resp, meta)
	for _, choice := range out.Choices {
		checkToolCalls(logger, tools, choice.Message.ToolCalls)
	}
	if err := rw.WriteJSON(http.StatusOK, out); err != nil {
		logger.WithError(err).Debug("write response failed")
	}
}

// decode reads and validates the body. An empty body is an empty object.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*ChatCompletionRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", apierrors.ErrBodyTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", apierrors.ErrMalformedBody)
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: body must be a JSON object", apierrors.ErrMalformedBody)
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	return &req, nil
}

// checkToolCalls flags calls to tools the request never declared.
func checkToolCalls(logger *log.Entry, tools ToolSet, calls []ToolCall) {
	for _, tc := range calls {
		if tc.Function.Name == "" || tools.Has(tc.Function.Name) {
			continue
		}
		metrics.UnknownToolCallsTotal.Inc()
		logger.WithField("tool", tc.Function.Name).Warn("model called an undeclared tool")
	}
}
