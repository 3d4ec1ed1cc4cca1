package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gridkeeper/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same relaxed origin policy as the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleWS streams guardian tick summaries to a websocket client until it
// disconnects. Dropped frames on a slow client are acceptable; the guardian
// never waits for us.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	summaries, cancel := s.guard.Subscribe()
	defer cancel()

	// Drain client frames so pings and close messages are processed
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
			return
		case summary, open := <-summaries:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(summary); err != nil {
				logger.Debugf("websocket write: %v", err)
				return
			}
		}
	}
}
