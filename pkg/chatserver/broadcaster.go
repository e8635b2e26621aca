package chatserver

import (
	"sync/atomic"
	"time"

	"github.com/harun/tavern/pkg/controller"
	"github.com/rs/zerolog"
)

// Broadcaster pushes view updates to every client watching a session, so a
// turn taken over HTTP also refreshes open widgets.
type Broadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewBroadcaster creates a broadcaster over clients.
func NewBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		logger:  logger,
	}
}

// PublishView sends a view event to the session's clients except skipID.
func (b *Broadcaster) PublishView(view *controller.View, skipID string) {
	clients := b.clients.BySession(view.SessionID)
	if len(clients) == 0 {
		return
	}

	evt := b.stamp(Event{Event: "view", View: view})

	failed := 0
	for _, client := range clients {
		if client.ID == skipID {
			continue
		}
		if err := client.WriteJSON(evt); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("session_id", view.SessionID).
				Msg("Failed to push view to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("session_id", view.SessionID).
		Int64("seq", evt.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("View broadcast complete")
}

// Shutdown notifies every client that the server is going away.
func (b *Broadcaster) Shutdown() {
	evt := b.stamp(Event{Event: "shutdown"})
	for _, client := range b.clients.All() {
		_ = client.WriteJSON(evt)
	}
}

// stamp assigns the sequence number and timestamp.
func (b *Broadcaster) stamp(evt Event) Event {
	evt.Seq = int64(atomic.AddUint64(&b.seq, 1))
	evt.Timestamp = time.Now().UnixMilli()
	return evt
}
