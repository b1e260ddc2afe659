package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dexrun/dexrun/internal/hub"
	"github.com/dexrun/dexrun/internal/store"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSink adapts one websocket connection to the hub's Sink contract.
// All writes go through a mutex because gorilla allows one concurrent
// writer.
type wsSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSink) Send(msg hub.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSink) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	return s.conn.Close()
}

func (s *wsSink) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// handleSubscribe upgrades to a websocket and attaches the connection
// to the hub. The order must exist; terminal orders still get the
// connected message followed by an immediate closing message so the
// client can fall back to the update log.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.deps.Store.Find(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sink := &wsSink{conn: conn}
	handle := s.deps.Hub.Register(id, sink)

	// Re-read after registering: the order can go terminal between the
	// lookup above and the registration, and that final broadcast only
	// reaches sinks already in the hub. A fresh read either sees the
	// terminal state here or happened-before the closing broadcast.
	if cur, err := s.deps.Store.Find(r.Context(), id); err == nil && cur.Status.Terminal() {
		sink.Send(hub.Message{Type: hub.TypeClosing, OrderID: id, Reason: "order already " + string(cur.Status), At: time.Now().UTC()})
		handle.Close()
		sink.Close("order already completed")
		return
	}

	// Reader drains control frames and detects disconnects; writes all
	// come from the hub.
	go func() {
		defer func() {
			handle.Close()
			sink.Close("client disconnected")
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		}
	}()

	// Keepalive pings until the sink closes.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !sink.Open() {
				return
			}
			sink.mu.Lock()
			if sink.closed {
				sink.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			sink.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}
