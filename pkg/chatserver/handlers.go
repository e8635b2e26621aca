package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/commandqueue"
	"github.com/harun/tavern/pkg/controller"
	"github.com/harun/tavern/pkg/prompt"
	"github.com/harun/tavern/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	maxBodyBytes       = 64 << 10
	credentialRequired = "An API key is required to continue. Enter your key and send the message again."
	credentialRejected = "The API key was rejected by the provider. Enter a valid key and send the message again."
)

// classify maps an error to its HTTP status and wire body.
func classify(err error) (int, ErrorBody) {
	var endpoint *agent.EndpointError
	switch {
	case errors.Is(err, controller.ErrEmptyInput):
		return http.StatusBadRequest, ErrorBody{Code: CodeEmptyInput, Message: err.Error()}
	case errors.Is(err, agent.ErrCredentialMissing):
		return http.StatusUnauthorized, ErrorBody{Code: CodeCredential, Message: credentialRequired, NeedsCredential: true}
	case errors.Is(err, agent.ErrAuthentication):
		return http.StatusUnauthorized, ErrorBody{Code: CodeCredential, Message: credentialRejected, NeedsCredential: true}
	case errors.As(err, &endpoint):
		return http.StatusBadGateway, ErrorBody{Code: CodeEndpoint, Message: err.Error()}
	case errors.Is(err, prompt.ErrTemplate):
		return http.StatusInternalServerError, ErrorBody{Code: CodeTemplate, Message: err.Error()}
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, commandqueue.ErrClosed):
		return http.StatusServiceUnavailable, ErrorBody{Code: CodeShuttingDown, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Code: CodeEndpoint, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error()}
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, body ErrorBody) {
	respondJSON(w, status, map[string]ErrorBody{"error": body})
}

func respondErr(w http.ResponseWriter, err error) {
	status, body := classify(err)
	respondError(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit applies the per-address limiter to API calls.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			respondError(w, http.StatusServiceUnavailable, ErrorBody{Code: CodeShuttingDown, Message: "server is shutting down"})
			return
		}

		limiter := s.limiters.get(clientAddr(r))
		allowed, reason := limiter.Acquire()
		if !allowed {
			code := CodeRateLimited
			if reason == reasonConcurrent {
				code = CodeTooManyInFlight
			}
			respondError(w, http.StatusTooManyRequests, ErrorBody{Code: code, Message: reason})
			return
		}
		defer limiter.Release()

		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		next.ServeHTTP(w, r.WithContext(tracing.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) response(sess *session.Session, view *controller.View) sessionResponse {
	return sessionResponse{View: view, HasCredential: s.ctrl.HasCredential(sess)}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return sess, true
}

// createSession opens a fresh session with its greeting.
func (s *Server) createSession(ctx context.Context) (*session.Session, *controller.View, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.ctrl.Start(ctx, sess)
	if err != nil {
		s.sessions.Teardown(id)
		return nil, nil, err
	}
	return sess, view, nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, view, err := s.createSession(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Info().Str("session_id", sess.ID).Msg("Session created")
	respondJSON(w, http.StatusCreated, s.response(sess, view))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Touch()
	respondJSON(w, http.StatusOK, s.response(sess, s.ctrl.Render(sess)))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.sessions.Reset(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !removed {
		respondErr(w, session.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrorBody{Code: CodeBadRequest, Message: "invalid JSON body"})
		return
	}
	sess.SetCredential(strings.TrimSpace(req.APIKey))
	respondJSON(w, http.StatusOK, s.response(sess, s.ctrl.Render(sess)))
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrorBody{Code: CodeBadRequest, Message: "invalid JSON body"})
		return
	}

	view, err := s.runTurn(r.Context(), sess, req.Text, r.Header.Get("Idempotency-Key"))
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Turn failed")
		respondErr(w, err)
		return
	}

	s.broadcast.PublishView(view, "")
	respondJSON(w, http.StatusOK, s.response(sess, view))
}
