package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/doc"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// subscriber is one websocket connection of the update feed.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// hub fans commit updates out to every connected subscriber.
//
// Broadcast never blocks: it runs inside the processing path, so a
// subscriber whose buffer is full is disconnected instead.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// join registers s and queues its first message, built by initial, under
// the broadcast lock: every broadcast after the join is queued behind it.
func (h *hub) join(s *subscriber, initial func() ([]byte, error)) error {
	h.mu.Lock()
	msg, err := initial()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.subs[s] = struct{}{}
	s.send <- msg
	n := len(h.subs)
	h.mu.Unlock()

	slog.Info("feed subscriber joined", "user_id", s.userID, "subscribers", n)
	return nil
}

// remove unregisters s and closes its send channel. Safe to call twice.
func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	if ok {
		delete(h.subs, s)
		close(s.send)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		slog.Info("feed subscriber left", "user_id", s.userID, "subscribers", n)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// broadcast sends one encoded message to every subscriber.
func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	var slow []*subscriber
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		slog.Warn("feed subscriber too slow, disconnecting", "user_id", s.userID)
		h.remove(s)
	}
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.remove(s)
	}
}

func encodeUpdates(updates []doc.Update) ([]byte, error) {
	if updates == nil {
		updates = []doc.Update{}
	}
	return json.Marshal(updates)
}

// writeLoop drains s.send to the connection and pings while idle. It closes
// the connection when s.send is closed or a write fails.
func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages until the connection closes.
func (s *subscriber) readLoop() {
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}
