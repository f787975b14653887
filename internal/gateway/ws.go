package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// client is one websocket subscriber. Slow clients are dropped rather
// than allowed to block the broadcast path.
type client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
}

// handleEvents upgrades the connection and streams the event firehose.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.Envelope, sendBufferSize),
		done: make(chan struct{}),
	}
	s.registerClient(c)
	defer s.unregisterClient(c)

	c.send <- protocol.Envelope{Event: protocol.EventHello, TS: time.Now().UnixMilli()}

	go c.writePump()

	// Read loop: clients send nothing meaningful; it exists to detect
	// disconnects and answer pings.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("gateway.ws_connected", "client", c.id, "clients", n)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.conn.Close()
	slog.Info("gateway.ws_disconnected", "client", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.done)
	}
}

// Notify broadcasts one engine event to every subscriber. It has the
// engine.NotifyFunc shape so it wires straight into engine.WithNotify.
func (s *Server) Notify(event, sessionKey string, payload any) {
	env := protocol.Envelope{
		Event:   event,
		Session: sessionKey,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- env:
		default:
			slog.Warn("gateway.ws_client_slow", "client", c.id, "event", event)
		}
	}
}
