package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	statusBuffer   = 16
)

// StatusMessage сообщение, отправляемое клиенту
type StatusMessage struct {
	Type     string        `json:"type"`
	ClientID string        `json:"client_id,omitempty"`
	Sequence uint64        `json:"sequence"`
	Status   engine.Status `json:"status"`
}

// WebSocketHandler рассылает статус движка подключенным клиентам
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	recorder Recorder
	logger   *utils.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// Client WebSocket соединение
type Client struct {
	id       string
	conn     *websocket.Conn
	handler  *WebSocketHandler
	updates  <-chan engine.Status
	cancel   func()
	done     chan struct{}
	once     sync.Once
	sequence uint64
}

// NewWebSocketHandler создает новый WebSocket handler
func NewWebSocketHandler(recorder Recorder, logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		recorder: recorder,
		logger:   logger.WithField("component", "websocket"),
		clients:  make(map[string]*Client),
	}
}

// HandleWebSocket обрабатывает WebSocket подключения
// GET /ws/v1/status
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	updates, cancel := h.recorder.Subscribe(statusBuffer)
	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		handler: h,
		updates: updates,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.WithFields(map[string]interface{}{
		"client_id": client.id,
		"client_ip": c.ClientIP(),
	}).Info("WebSocket client connected")
	metrics.WebSocketConnections.Inc()

	go client.writePump()
	go client.readPump()
}

// ClientCount число подключенных клиентов
func (h *WebSocketHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll закрывает все соединения
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *WebSocketHandler) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if ok {
		metrics.WebSocketConnections.Dec()
		h.logger.WithField("client_id", c.id).Debug("WebSocket client disconnected")
	}
}

// close освобождает подписку и соединение, безопасно вызывать повторно
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.handler.unregister(c)
		c.conn.Close()
	})
}

// readPump читает входящие сообщения, чтобы обрабатывать pong и закрытие
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}
	}
}

// writePump отправляет снимок при подключении, затем каждое изменение статуса
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	if err := c.send("snapshot", c.handler.recorder.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case st, ok := <-c.updates:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.send("status", st); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handler.logger.WithError(err).Debug("Ping write error")
				return
			}
		}
	}
}

func (c *Client) send(kind string, st engine.Status) error {
	c.sequence++
	msg := StatusMessage{Type: kind, Sequence: c.sequence, Status: st}
	if kind == "snapshot" {
		msg.ClientID = c.id
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.handler.logger.WithError(err).Error("Failed to marshal status message")
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.handler.logger.WithError(err).Debug("WebSocket write error")
		return err
	}
	metrics.WebSocketMessagesOut.Inc()
	return nil
}
