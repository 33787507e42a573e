package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signal-trader/internal/stream"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// Events is the live lifecycle event feed.
type Events interface {
	Subscribe(symbol string) *stream.Subscriber
	Unsubscribe(sub *stream.Subscriber)
}

// SetEvents enables GET /v1/stream.
func (s *Server) SetEvents(events Events) {
	s.events = events
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamEvents pushes lifecycle events as JSON messages until the client
// disconnects or the feed closes. ?symbol= narrows the feed to one symbol.
func (s *Server) streamEvents(c *gin.Context) {
	if s.events == nil {
		notFound(c, "Event stream is disabled")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug().Err(err).Msg("Stream upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(strings.ToUpper(strings.TrimSpace(c.Query("symbol"))))
	defer s.events.Unsubscribe(sub)
	s.logger.Debug().Str("subscriber", sub.ID).Str("symbol", sub.Symbol).Msg("Stream client connected")

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(newEventView(ev)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}
