package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nostrmood/market-engine/internal/metrics"
	"github.com/nostrmood/market-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// subscriber is one websocket connection. marketID 0 means every market.
type subscriber struct {
	id       string
	marketID int64
	conn     *websocket.Conn
	send     chan []byte
}

type outbound struct {
	marketID int64
	data     []byte
}

// Hub fans market events out to websocket subscribers. Only Run touches
// the subscriber set; each connection has its own writer goroutine.
type Hub struct {
	subs       map[*subscriber]bool
	broadcast  chan outbound
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewHub creates a Hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*subscriber]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.subs {
				h.drop(s)
			}
			return nil

		case s := <-h.register:
			h.subs[s] = true
			h.setCount(len(h.subs))
			slog.Info("ws client connected", "subscription_id", s.id, "market_id", s.marketID, "total", len(h.subs))

		case s := <-h.unregister:
			if h.subs[s] {
				h.drop(s)
				slog.Info("ws client disconnected", "subscription_id", s.id, "total", len(h.subs))
			}

		case msg := <-h.broadcast:
			for s := range h.subs {
				if s.marketID != 0 && s.marketID != msg.marketID {
					continue
				}
				select {
				case s.send <- msg.data:
				default:
					// Too slow to keep up.
					h.drop(s)
				}
			}
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
	h.setCount(len(h.subs))
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues an event for subscribers without blocking. Events are
// dropped when the hub is backed up.
func (h *Hub) Publish(e model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("ws event encode failed", "type", e.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{marketID: e.MarketID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles GET /api/v1/ws. An optional ?market_id= limits the
// stream to one market.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var marketID int64
	if v := r.URL.Query().Get("market_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, "invalid market_id", http.StatusBadRequest)
			return
		}
		marketID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	s := &subscriber{
		id:       uuid.NewString(),
		marketID: marketID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	hello, _ := json.Marshal(map[string]any{"type": "subscribed", "subscription_id": s.id, "market_id": marketID})
	s.send <- hello

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
