package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/gemini-gateway/internal/a2a"
	"github.com/zhengjr9/gemini-gateway/internal/config"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
	"github.com/zhengjr9/gemini-gateway/internal/httputil"
	"github.com/zhengjr9/gemini-gateway/internal/logging"
	"github.com/zhengjr9/gemini-gateway/internal/proxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		log.WithError(err).Fatal("setup logging")
	}
	defer logCloser.Close()

	if cfg.GeminiAPIKey == "" {
		log.Warn("no Gemini API key configured; set GEMINI_API_KEY")
	}

	log.WithFields(log.Fields{
		"listen":        cfg.ListenAddr(),
		"default_model": cfg.DefaultModel,
		"base_url":      cfg.GeminiBaseURL,
		"a2a_enabled":   cfg.A2AEnabled,
		"metrics":       cfg.MetricsEnabled,
	}).Info("starting gemini-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := gemini.NewClient(ctx, gemini.Options{
		APIKey:   cfg.GeminiAPIKey,
		BaseURL:  cfg.GeminiBaseURL,
		ProxyURL: cfg.GeminiProxyURL,
	})
	if err != nil {
		log.WithError(err).Fatal("create gemini client")
	}

	srv := proxy.New(cfg, client)
	proxyErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			proxyErr <- err
		}
	}()

	// Optionally start the A2A server.
	a2aErr := make(chan error, 1)
	if cfg.A2AEnabled {
		geminiAgent, err := a2a.New(a2a.AgentConfig{
			Name:        cfg.AgentName,
			Description: cfg.AgentDesc,
			Backend:     client,
			Model:       cfg.DefaultModel,
		})
		if err != nil {
			log.WithError(err).Error("failed to create A2A agent")
			os.Exit(1)
		}

		log.WithFields(log.Fields{"port": cfg.A2APort, "agent_name": cfg.AgentName}).Info("starting A2A server")

		inner := a2a_app.NewAgentkitA2AServerApp(
			apps.DefaultApiConfig().SetPort(cfg.A2APort),
		)
		wrapped := &requestLogApp{BasicApp: inner}

		go func() {
			if err := wrapped.Run(ctx, &apps.RunConfig{
				AgentLoader: agent.NewSingleLoader(geminiAgent),
			}); err != nil {
				a2aErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.WithError(err).Error("proxy shutdown error")
		}
	case err := <-proxyErr:
		log.WithError(err).Error("proxy server error")
		os.Exit(1)
	case err := <-a2aErr:
		log.WithError(err).Error("A2A server error")
		os.Exit(1)
	}

	log.Info("server stopped")
}

// requestLogApp wraps a BasicApp and installs a request-id and access-log
// middleware on its Gorilla mux router.
type requestLogApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives the wrapper and
// calls its SetupRouters instead of the inner app's.
func (w *requestLogApp) Run(ctx context.Context, config *apps.RunConfig) error {
	return apps.Run(ctx, config, w)
}

func (w *requestLogApp) SetupRouters(router *mux.Router, config *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, config); err != nil {
		return err
	}
	router.Use(a2aRequestLog)
	return nil
}

func a2aRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(httputil.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(httputil.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(httputil.WithRequestID(r.Context(), id)))
		log.WithFields(log.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Debug("a2a request")
	})
}
