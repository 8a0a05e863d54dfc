package gateway

import (
	"bytes"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/harun/datalens/pkg/stream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// broadcastFanout bounds concurrent writes; each write may block up to
// writeWait on a slow peer.
const broadcastFanout = 16

// EventBroadcaster sends one protocol record to every connected WebSocket
// client, e.g. the shutdown notice.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast writes ev as one text frame to every client and returns how
// many writes succeeded. Failed peers are logged and skipped.
func (b *EventBroadcaster) Broadcast(ev stream.Event) int {
	log := b.logger.With().Str("event", string(ev.Type)).Logger()

	record, err := stream.MarshalRecord(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return 0
	}
	frame := bytes.TrimSuffix(record, []byte("\n"))

	clients := b.clients.Clients()
	if len(clients) == 0 {
		return 0
	}

	var delivered atomic.Int32
	var g errgroup.Group
	g.SetLimit(broadcastFanout)
	for _, c := range clients {
		g.Go(func() error {
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Str("client_id", c.ID).Msg("Broadcast write failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	log.Debug().Int("delivered", n).Int("clients", len(clients)).Msg("Event broadcast complete")
	return n
}
