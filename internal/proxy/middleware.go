package proxy

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
	"github.com/zhengjr9/gemini-gateway/internal/httputil"
	"github.com/zhengjr9/gemini-gateway/internal/metrics"
)

// loggingMiddleware assigns the request id and logs each request with
// method, path, status, and duration. router resolves the route label used
// for metrics.
func loggingMiddleware(router *mux.Router, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(httputil.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(httputil.RequestIDHeader, id)
		r = r.WithContext(httputil.WithRequestID(r.Context(), id))

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		route := routeLabel(router, r)
		elapsed := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(route, r.Method, metrics.StatusClass(lrw.statusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		entry := log.WithFields(log.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     lrw.statusCode,
			"duration":   elapsed.String(),
			"remote":     r.RemoteAddr,
		})
		switch {
		case lrw.statusCode >= 500:
			entry.Error("request")
		case lrw.statusCode >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	})
}

// recoveryMiddleware catches panics and returns a 500 unless the status
// line already went out.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.WithFields(log.Fields{
				"request_id": httputil.RequestID(r.Context()),
				"error":      rec,
				"stack":      string(debug.Stack()),
			}).Error("panic recovered")
			if lrw, ok := w.(*loggingResponseWriter); ok && lrw.wroteHeader {
				return
			}
			apierrors.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows every origin and answers preflights itself.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeLabel(router *mux.Router, r *http.Request) string {
	if r.Method == http.MethodOptions {
		return "preflight"
	}
	if router == nil {
		return "unmatched"
	}
	var match mux.RouteMatch
	if router.Match(r, &match) && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// loggingResponseWriter captures the status code written by the handler.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.wroteHeader {
		return
	}
	lrw.statusCode = code
	lrw.wroteHeader = true
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	lrw.wroteHeader = true
	return lrw.ResponseWriter.Write(p)
}

// Unwrap exposes the underlying writer to http.ResponseController so
// streaming responses can flush.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
