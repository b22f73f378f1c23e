package console

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rjlee/actual-monzo-pots/internal/events"
)

// hub fans sync events out to connected WebSocket clients. It implements
// events.Sink so the runner and engine can publish without knowing whether a
// console is attached.
type hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan events.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

func newHub(logger *log.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan events.Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

func (h *hub) start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

func (h *hub) stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish implements events.Sink. It never blocks: if the channel is full
// the event is dropped.
func (h *hub) Publish(ev events.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		h.logger.Printf("WARNING: event channel full, dropping %s", ev.Type)
	}
}

func (h *hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Console client connected (total: %d)", count)

	go h.readLoop(conn)
}

// readLoop keeps the connection alive; client messages are ignored.
func (h *hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Console client disconnected (total: %d)", count)
		return
	}
	h.clientsMu.Unlock()
}

func (h *hub) clientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
