package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeReport carries a non-empty cycle report
	MessageTypeReport MessageType = "report"

	// MessageTypeHello is sent once after a client connects
	MessageTypeHello MessageType = "hello"
)

// Message is one websocket feed frame
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub fans committed reports out to websocket clients. It implements syncer.Publisher.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "hub"),
	}
}

// Start runs the broadcast loop until Stop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes every client and waits for the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()
	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
	h.wg.Wait()
}

// Publish queues rep for broadcast. A full queue drops the message.
func (h *Hub) Publish(_ context.Context, rep *syncer.Report) error {
	if rep.Empty() {
		return nil
	}
	data, err := json.Marshal(reportView(rep))
	if err != nil {
		return err
	}
	h.Broadcast(Message{Type: MessageTypeReport, Timestamp: rep.FinishedAt, Data: data})
	return nil
}

func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("marshal message", "err", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Debug("send to client failed", "err", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("client connected", "clients", n)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now().UTC()})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	h.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away; client frames are ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.clientsMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("client disconnected", "clients", n)
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
