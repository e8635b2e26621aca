package chatserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tavern/pkg/controller"
)

// Frame is an inbound websocket message.
type Frame struct {
	Type string `json:"type"`
	// ID is echoed back on the answering event.
	ID     string `json:"id,omitempty"`
	Text   string `json:"text,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// Frame types.
const (
	FrameTurn       = "turn"
	FrameCredential = "credential"
	FrameView       = "view"
)

// Event is an outbound websocket message.
type Event struct {
	Event     string           `json:"event"`
	ID        string           `json:"id,omitempty"`
	Seq       int64            `json:"seq"`
	View      *controller.View `json:"view,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// ErrorBody is the error payload shared by HTTP responses and ws events.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// NeedsCredential asks the front end to show the API key field.
	NeedsCredential bool `json:"needs_credential,omitempty"`
}

// Error codes.
const (
	CodeBadRequest      = "bad_request"
	CodeEmptyInput      = "empty_input"
	CodeNotFound        = "not_found"
	CodeCredential      = "credential_required"
	CodeEndpoint        = "endpoint_error"
	CodeTemplate        = "template_error"
	CodeRateLimited     = "rate_limited"
	CodeTooManyInFlight = "too_many_concurrent"
	CodeInternal        = "internal_error"
	CodeShuttingDown    = "shutting_down"
)

// sessionResponse is returned by the HTTP API.
type sessionResponse struct {
	View          *controller.View `json:"view"`
	HasCredential bool             `json:"has_credential"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

// Client is one websocket connection bound to a session.
type Client struct {
	ID          string
	SessionID   string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *RateLimiter

	writeMu sync.Mutex
}

// WriteJSON serialises writes; gorilla connections allow one writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteJSON(v)
}
