package openai

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zhengjr9/gemini-gateway/internal/adapter"
	"github.com/zhengjr9/gemini-gateway/internal/config"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
	"github.com/zhengjr9/gemini-gateway/internal/httputil"
)

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string             `json:"object"`
	Data   []gemini.ModelInfo `json:"data"`
}

// ModelsHandler implements GET /v1/models. A configured static list is
// served as is; otherwise the backend is asked on every call.
type ModelsHandler struct {
	backend adapter.Backend
	static  []gemini.ModelInfo
	timeout time.Duration
}

func NewModelsHandler(backend adapter.Backend, cfg *config.Config) *ModelsHandler {
	h := &ModelsHandler{backend: backend, timeout: cfg.RequestTimeout}
	if len(cfg.Models) > 0 {
		h.static = gemini.StaticModels(cfg.Models, time.Now().Unix())
	}
	return h
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := httputil.NewResponseWriter(w)

	models := h.static
	if models == nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		var err error
		if models, err = h.backend.ListModels(ctx); err != nil {
			log.WithField("request_id", httputil.RequestID(r.Context())).WithError(err).Error("list models failed")
			_ = rw.WriteError(err)
			return
		}
	}
	if models == nil {
		models = []gemini.ModelInfo{}
	}
	_ = rw.WriteJSON(http.StatusOK, ModelList{Object: "list", Data: models})
}
