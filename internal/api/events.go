// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/dragnet/internal/clock"
)

const (
	// eventBuffer is each client's hub subscription depth. A client that
	// falls further behind than this loses events rather than slowing
	// the workers.
	eventBuffer = 64

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The listener is loopback-only by default; origin policy belongs to
	// whatever fronts it when exposed further.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams match events over a websocket. Each client gets an
// independent hub subscription, so overflow drops are per client and never
// reach the publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	s.wsWG.Add(1)
	defer s.wsWG.Done()
	defer conn.Close()

	events, cancel := s.eng.Hub().Subscribe(eventBuffer)
	defer cancel()

	s.logger.Debug("Event stream client connected", "remote", r.RemoteAddr)

	// The read pump discards client frames but notices disconnects and
	// keeps pong handling alive.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadDeadline(clock.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(clock.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(clock.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(clock.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-s.stopCh:
			conn.SetWriteDeadline(clock.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
