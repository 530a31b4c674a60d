package gateway

import (
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBuffer       = 128
)

// handleEvents streams bus events to a websocket client as JSON frames.
// Each client gets its own drop-tolerant subscription, so a slow reader
// loses events rather than stalling publishers; a reader that cannot even
// keep its socket drained is disconnected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = r.RemoteAddr
	}
	sub := s.rt.SubscribeEvents("ws-"+clientID, wsBuffer)
	defer sub.Close()

	log := s.logger.With().Str("client", clientID).Logger()
	log.Debug().Msg("Event stream client connected")

	// Reader goroutine: we never expect frames from the client, but reading
	// is how close frames and dead connections surface.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			log.Debug().Msg("Event stream client disconnected")
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("Dropping slow event stream client")
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Msg("Dropping slow event stream client")
				return
			}
		}
	}
}
