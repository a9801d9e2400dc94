package openai

import (
	"context"
	"errors"
	"iter"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
	"github.com/zhengjr9/gemini-gateway/internal/httputil"
	"github.com/zhengjr9/gemini-gateway/internal/metrics"
)

// stream runs the producer/consumer pair for one streaming request. The
// producer pulls backend events into a bounded channel; the consumer maps and
// writes them. A full channel blocks the producer, so a slow client slows the
// backend read instead of growing a buffer.
//
// clientCtx is the request's own context, used to tell a disconnect apart from
// the gateway's deadline.
func (h *Handler) stream(ctx, clientCtx context.Context, rw *httputil.ResponseWriter, req *gemini.Request, mapper *StreamMapper, tools ToolSet, logger *log.Entry) {
	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	events := make(chan gemini.StreamEvent, h.streamBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return pump(gctx, h.backend.SendChatStream(gctx, req), events)
	})
	g.Go(func() error {
		return consume(gctx, rw, mapper, events, tools, logger)
	})
	err := g.Wait()

	switch {
	case rw.State() == httputil.StateClosed:
	case clientCtx.Err() != nil:
		rw.Close()
		logger.Debug("client disconnected mid-stream")
	default:
		if err == nil {
			err = errors.New("stream ended without a terminal signal")
		}
		logger.WithError(err).Error("stream aborted")
		_ = rw.WriteError(&apierrors.BackendError{Op: "stream", Err: err})
	}
}

// pump forwards backend events in order. A backend error is forwarded as the
// final event so the consumer reports it after everything before it.
func pump(ctx context.Context, seq iter.Seq2[*genai.GenerateContentResponse, error], out chan<- gemini.StreamEvent) error {
	for resp, err := range seq {
		select {
		case out <- gemini.StreamEvent{Response: resp, Err: err}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
	}
	return nil
}

// consume writes one frame per mapped event and the closing [DONE] once the
// producer is exhausted.
func consume(ctx context.Context, rw *httputil.ResponseWriter, mapper *StreamMapper, events <-chan gemini.StreamEvent, tools ToolSet, logger *log.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return rw.WriteDone()
			}
			if ev.Err != nil {
				logger.WithError(ev.Err).Error("backend stream failed")
				return rw.WriteError(ev.Err)
			}
			chunk := mapper.Map(ev.Response)
			if chunk == nil {
				continue
			}
			for _, choice := range chunk.Choices {
				checkToolCalls(logger, tools, choice.Delta.ToolCalls)
			}
			if err := rw.WriteData(chunk); err != nil {
				return err
			}
			metrics.StreamChunksTotal.Inc()
		}
	}
}
