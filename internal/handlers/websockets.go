package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12 // 4 KB
	sendBuffer = 32
)

// Upgrader for HTTP -> WebSocket. The UI is served from other origins.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans messages out to every connected UI client. It implements
// service.Notifier.
type Hub struct {
	log *logger.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log, clients: make(map[string]*wsClient)}
}

// Broadcast encodes msg once and queues it for every client. A client whose
// queue is full is dropped.
func (hub *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		if hub.log != nil {
			hub.log.Errorw("ws_encode_failed", "err", err)
		}
		return
	}

	hub.mu.RLock()
	var slow []*wsClient
	for _, c := range hub.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	hub.mu.RUnlock()

	for _, c := range slow {
		if hub.log != nil {
			hub.log.Infow("ws_client_dropped", "client", c.id)
		}
		hub.unregister(c)
	}
}

// Len returns the number of connected clients.
func (hub *Hub) Len() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Close disconnects every client.
func (hub *Hub) Close() {
	hub.mu.Lock()
	clients := hub.clients
	hub.clients = make(map[string]*wsClient)
	hub.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (hub *Hub) register(conn *websocket.Conn) *wsClient {
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	hub.mu.Lock()
	hub.clients[c.id] = c
	hub.mu.Unlock()
	return c
}

func (hub *Hub) unregister(c *wsClient) {
	hub.mu.Lock()
	delete(hub.clients, c.id)
	hub.mu.Unlock()
	c.close()
}

// @Summary      UI push channel
// @Description  Streams status, timeout, recheck and plot messages as JSON text frames.
// @Tags         system
// @Param        access_token  query  string  false  "JWT when the Authorization header cannot be set"
// @Failure      401  {object}  map[string]string
// @Router       /ws [get]
// @Security     BearerAuth
func (h *Handler) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	client := h.hub.register(conn)
	defer h.hub.unregister(client)
	if h.log != nil {
		h.log.Debugw("ws_client_connected", "client", client.id)
	}

	done := make(chan struct{})
	go h.startReader(conn, done)

	// A new UI client gets the current idle state through the router.
	if h.services.Commands != nil {
		h.services.OnEvent(c.Request.Context(), service.EventClientOpened, nil)
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case data, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if h.log != nil {
					h.log.Infow("ws_write_failed", "err", err)
				}
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if h.log != nil {
					h.log.Infow("ws_ping_failed", "err", err)
				}
				return
			}
		}
	}
}

// startReader drains incoming messages to handle control frames and detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if h.log != nil {
				h.log.Infow("ws_read_closed", "err", err)
			}
			return
		}
	}
}
