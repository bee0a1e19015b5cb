package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/pipeline"
)

const internalErrorMessage = "Internal server error"

// maxTimeoutMillis is the largest timeout representable as a time.Duration.
const maxTimeoutMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// RunRequest is the body of POST /code/run.
type RunRequest struct {
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Stdin    string  `json:"stdin,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"` // milliseconds
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, &pipeline.ExecutionError{
				Kind:    pipeline.KindMalformedRequest,
				Message: "Request body too large",
				Err:     err,
			})
			return
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "timeout" {
			s.writeError(w, invalidTimeout("timeout must be a number of milliseconds"))
			return
		}
		s.writeError(w, &pipeline.ExecutionError{
			Kind:    pipeline.KindMalformedRequest,
			Message: "Invalid JSON body",
			Err:     err,
		})
		return
	}

	switch {
	case req.Timeout < 0:
		s.writeError(w, invalidTimeout("timeout must not be negative"))
		return
	case req.Timeout > maxTimeoutMillis:
		s.writeError(w, invalidTimeout("timeout is too large"))
		return
	}

	res, err := s.executor.Execute(r.Context(), pipeline.Request{
		Code:     req.Code,
		Language: req.Language,
		Stdin:    req.Stdin,
		Timeout:  time.Duration(req.Timeout * float64(time.Millisecond)),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("X-Run-ID", res.RunID)
	writeJSON(s.logger, w, http.StatusOK, RunResponse{Output: res.Output})
}

func invalidTimeout(msg string) *pipeline.ExecutionError {
	return &pipeline.ExecutionError{
		Kind:    pipeline.KindMalformedRequest,
		Message: msg,
		Err:     pipeline.ErrInvalidTimeout,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
		})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusNotFound, ErrorResponse{Error: "Not found"})
}

// writeError maps an execution failure to a response. Client failures carry
// their diagnostic; infrastructure failures are redacted outside development.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var execErr *pipeline.ExecutionError
	if !errors.As(err, &execErr) {
		execErr = &pipeline.ExecutionError{Kind: pipeline.KindInfrastructure, Message: err.Error(), Err: err}
	}

	if execErr.Kind.ClientError() {
		writeJSON(s.logger, w, http.StatusBadRequest, ErrorResponse{
			Error: execErr.Message,
			Kind:  string(execErr.Kind),
		})
		return
	}

	s.logger.Error("execution failed", zap.Error(err))

	msg := internalErrorMessage
	if s.cfg.Development {
		msg = execErr.Message
	}
	writeJSON(s.logger, w, http.StatusInternalServerError, ErrorResponse{
		Error: msg,
		Kind:  string(execErr.Kind),
	})
}
