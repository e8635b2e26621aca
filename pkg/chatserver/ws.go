package chatserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// handleWebSocket binds a connection to ?session=ID, creating a new session
// when the parameter is empty.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	var sess *session.Session
	if id := strings.TrimSpace(r.URL.Query().Get("session")); id != "" {
		var err error
		sess, err = s.sessions.Get(id)
		if err != nil {
			respondErr(w, err)
			return
		}
	} else {
		var err error
		sess, _, err = s.createSession(ctx)
		if err != nil {
			respondErr(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		SessionID:   sess.ID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   clientAddr(r),
		RateLimiter: NewRateLimiterWithLimits(s.limiters.rpm, s.limiters.inFlight),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("session_id", sess.ID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	s.sendView(client, "", sess)
	go s.handleClient(client, sess)
}

func (s *Server) handleClient(client *Client, sess *session.Session) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxBodyBytes)
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		sess.Touch()
		s.handleFrame(client, sess, message)
	}
}

func (s *Server) handleFrame(client *Client, sess *session.Session, message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.sendError(client, "", ErrorBody{Code: CodeBadRequest, Message: "invalid JSON frame"})
		return
	}

	switch frame.Type {
	case FrameView:
		s.sendView(client, frame.ID, sess)
	case FrameCredential:
		sess.SetCredential(strings.TrimSpace(frame.APIKey))
		s.sendView(client, frame.ID, sess)
	case FrameTurn:
		allowed, reason := client.RateLimiter.Acquire()
		if !allowed {
			code := CodeRateLimited
			if reason == reasonConcurrent {
				code = CodeTooManyInFlight
			}
			s.sendError(client, frame.ID, ErrorBody{Code: code, Message: reason})
			return
		}
		go func() {
			defer client.RateLimiter.Release()
			s.wsTurn(client, sess, frame)
		}()
	default:
		s.sendError(client, frame.ID, ErrorBody{Code: CodeBadRequest, Message: "unknown frame type " + frame.Type})
	}
}

func (s *Server) wsTurn(client *Client, sess *session.Session, frame Frame) {
	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	key := ""
	if frame.ID != "" {
		key = client.ID + ":" + frame.ID
	}

	view, err := s.runTurn(ctx, sess, frame.Text, key)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Turn failed")
		_, body := classify(err)
		s.sendError(client, frame.ID, body)
		return
	}

	s.send(client, Event{Event: "view", ID: frame.ID, View: view})
	s.broadcast.PublishView(view, client.ID)
}

func (s *Server) sendView(client *Client, id string, sess *session.Session) {
	s.send(client, Event{Event: "view", ID: id, View: s.ctrl.Render(sess)})
}

func (s *Server) sendError(client *Client, id string, body ErrorBody) {
	s.send(client, Event{Event: "error", ID: id, Error: &body})
}

func (s *Server) send(client *Client, evt Event) {
	evt = s.broadcast.stamp(evt)
	if err := client.WriteJSON(evt); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("event", evt.Event).
			Msg("Failed to send event")
	}
}
