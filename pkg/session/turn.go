package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Payload is a decoded structured record emitted by the model alongside or
// instead of free text. Schema names the function the model called.
type Payload struct {
	Schema string                 `json:"schema"`
	Fields map[string]interface{} `json:"fields"`
}

// Clone returns a deep-enough copy: the field map is copied, values are shared.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	return &Payload{Schema: p.Schema, Fields: fields}
}

// Turn is one role-tagged message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Payload   *Payload  `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrInvalidTurn is returned when a turn fails validation on append.
var ErrInvalidTurn = errors.New("invalid turn")

// Validate checks the role and that the turn carries text or a payload.
func (t Turn) Validate() error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if t.Text == "" && t.Payload == nil {
		return fmt.Errorf("%w: turn has neither text nor payload", ErrInvalidTurn)
	}
	return nil
}

func (t Turn) clone() Turn {
	t.Payload = t.Payload.Clone()
	return t
}

// normalize fills the ID and timestamp if the caller left them empty.
func (t Turn) normalize() Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return t
}
