package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
)

// State is the lifecycle of one HTTP response.
type State int

const (
	StateNotStarted  State = iota // nothing written, status still open
	StateHeadersSent              // 200 and SSE headers written, frames may follow
	StateClosed                   // terminal signal written or connection failed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateHeadersSent:
		return "headers_sent"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var doneFrame = []byte("data: [DONE]\n\n")

// ResponseWriter guards every exit path of a request: the status line is
// written at most once, and after streaming starts failures only go in-band.
// It is owned by one goroutine and is not safe for concurrent use.
type ResponseWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	state State
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{w: w, rc: http.NewResponseController(w)}
}

// State reports where the response is in its lifecycle.
func (s *ResponseWriter) State() State { return s.state }

// WriteJSON writes a complete JSON response with status.
func (s *ResponseWriter) WriteJSON(status int, v any) error {
	if s.state != StateNotStarted {
		return apierrors.ErrResponseCommitted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	s.state = StateClosed
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(status)
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// StartStream commits the 200 status and the SSE headers.
func (s *ResponseWriter) StartStream() error {
	if s.state != StateNotStarted {
		return apierrors.ErrResponseCommitted
	}
	SetSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
	s.state = StateHeadersSent
	return s.flush()
}

// WriteData writes v as one "data:" frame, starting the stream if needed.
func (s *ResponseWriter) WriteData(v any) error {
	if s.state == StateNotStarted {
		if err := s.StartStream(); err != nil {
			return err
		}
	}
	if s.state != StateHeadersSent {
		return apierrors.ErrResponseCommitted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return s.write(frame)
}

// WriteDone ends the stream with the [DONE] sentinel.
func (s *ResponseWriter) WriteDone() error {
	if s.state == StateNotStarted {
		if err := s.StartStream(); err != nil {
			return err
		}
	}
	if s.state != StateHeadersSent {
		return apierrors.ErrResponseCommitted
	}
	if err := s.write(doneFrame); err != nil {
		return err
	}
	s.state = StateClosed
	return nil
}

// WriteError reports err on whatever channel is still open: a JSON error
// response before headers, an in-band error frame plus [DONE] after them.
// Once the response is closed nothing is written.
func (s *ResponseWriter) WriteError(err error) error {
	switch s.state {
	case StateNotStarted:
		status, body := apierrors.ForError(err)
		return s.WriteJSON(status, body)
	case StateHeadersSent:
		_, body := apierrors.ForError(err)
		body.Error.Type = "server_error"
		if werr := s.WriteData(body); werr != nil {
			return werr
		}
		return s.WriteDone()
	}
	return apierrors.ErrResponseCommitted
}

// Close marks the response finished without writing anything, e.g. after
// the client went away.
func (s *ResponseWriter) Close() { s.state = StateClosed }

func (s *ResponseWriter) write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		s.state = StateClosed
		return fmt.Errorf("write frame: %w", err)
	}
	return s.flush()
}

func (s *ResponseWriter) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.state = StateClosed
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
