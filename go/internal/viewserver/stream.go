package viewserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

// handleStream upgrades the request and pushes every view change of the
// session until the client leaves or the session store stops.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sess.SessionID()).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	connID := uuid.New().String()
	views, stop := sess.Watch()
	defer stop()

	log.Info().
		Str("connection_id", connID).
		Str("session_id", sess.SessionID()).
		Msg("view stream opened")

	gone := make(chan struct{})
	go s.readPump(conn, connID, gone)
	s.writePump(conn, connID, sess, views, gone)

	log.Info().
		Str("connection_id", connID).
		Str("session_id", sess.SessionID()).
		Msg("view stream closed")
}

// readPump only keeps the read deadline alive and notices the client going
// away. Clients do not send anything meaningful.
func (s *Server) readPump(conn *websocket.Conn, connID string, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(s.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", connID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
}

func (s *Server) writePump(conn *websocket.Conn, connID string, sess Session, views <-chan sessionstore.View, gone <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-gone:
			return

		case view, ok := <-views:
			if !ok {
				s.writeClose(conn, "stream stopped")
				return
			}
			if !s.writeView(conn, connID, view) {
				return
			}

		case <-sess.Done():
			// the store publishes its last view before Done closes
			select {
			case view, ok := <-views:
				if ok && !s.writeView(conn, connID, view) {
					return
				}
			default:
			}
			s.writeClose(conn, "session closed")
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", connID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (s *Server) writeView(conn *websocket.Conn, connID string, view sessionstore.View) bool {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(view); err != nil {
		log.Error().
			Err(err).
			Str("connection_id", connID).
			Msg("failed to write view to WebSocket")
		return false
	}
	return true
}

func (s *Server) writeClose(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		log.Debug().Err(err).Msg("failed to write close message")
	}
}
