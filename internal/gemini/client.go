package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
	"github.com/zhengjr9/gemini-gateway/internal/metrics"
)

const ownedBy = "google"

// Options configures the Gemini client.
type Options struct {
	APIKey string
	// BaseURL overrides the Gemini endpoint, e.g. for a regional gateway or a test server.
	BaseURL string
	// ProxyURL routes requests through an HTTP proxy. Empty uses the environment proxy.
	ProxyURL string
}

// Client calls the Gemini API through the genai SDK.
type Client struct {
	genai   *genai.Client
	created int64
}

// NewClient builds a Client. The HTTP client carries no timeout of its own;
// every call is bounded by its context so streams are not cut mid-flight.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if opts.ProxyURL != "" {
		parsed, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	cc := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: transport},
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions.BaseURL = strings.TrimRight(opts.BaseURL, "/") + "/"
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{genai: gc, created: time.Now().Unix()}, nil
}

// SendChat performs one non-streaming generateContent call.
func (c *Client) SendChat(ctx context.Context, req *Request) (*genai.GenerateContentResponse, error) {
	start := time.Now()
	resp, err := c.genai.Models.GenerateContent(ctx, req.Model, req.Contents, req.Config)
	observe("generate", start, err)
	if err != nil {
		return nil, wrapError("generate", err)
	}
	recordUsage(resp)
	return resp, nil
}

// SendChatStream returns the response sequence of a streamGenerateContent
// call. The upstream request is issued on first iteration and closed when
// the caller stops ranging.
func (c *Client) SendChatStream(ctx context.Context, req *Request) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		start := time.Now()
		var last *genai.GenerateContentResponse
		for resp, err := range c.genai.Models.GenerateContentStream(ctx, req.Model, req.Contents, req.Config) {
			if err != nil {
				observe("stream", start, err)
				yield(nil, wrapError("stream", err))
				return
			}
			last = resp
			if !yield(resp, nil) {
				observe("stream", start, ctx.Err())
				return
			}
		}
		observe("stream", start, nil)
		recordUsage(last)
	}
}

// ListModels lists the models that support generateContent.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	start := time.Now()
	var out []ModelInfo
	for m, err := range c.genai.Models.All(ctx) {
		if err != nil {
			observe("list_models", start, err)
			return nil, wrapError("list_models", err)
		}
		if len(m.SupportedActions) > 0 && !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		out = append(out, ModelInfo{
			ID:               strings.TrimPrefix(m.Name, "models/"),
			Object:           "model",
			Created:          c.created,
			OwnedBy:          ownedBy,
			DisplayName:      m.DisplayName,
			InputTokenLimit:  m.InputTokenLimit,
			OutputTokenLimit: m.OutputTokenLimit,
		})
	}
	observe("list_models", start, nil)
	return out, nil
}

// wrapError converts an SDK failure into a BackendError, keeping the
// provider's HTTP status when the SDK reports one.
func wrapError(op string, err error) error {
	be := &apierrors.BackendError{Op: op, Err: err}
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		be.StatusCode = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		be.StatusCode = apiErrPtr.Code
	}
	return be
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	metrics.BackendRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && status == "error" {
		log.WithFields(log.Fields{"operation": op, "error": err}).Debug("gemini call failed")
	}
}

func recordUsage(resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	u := resp.UsageMetadata
	metrics.ObserveTokens(u.PromptTokenCount, u.CandidatesTokenCount, u.ThoughtsTokenCount)
}
