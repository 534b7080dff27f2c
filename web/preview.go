package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"multi-video-grid/frame"
	"multi-video-grid/metrics"
)

const writeWait = 10 * time.Second

// FrameHeader precedes every binary JPEG message on the preview socket
type FrameHeader struct {
	Type      string `json:"type"`
	Monitor   int    `json:"monitor"`
	Index     int64  `json:"index"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Cameras   string `json:"cameras,omitempty"`
	Size      int    `json:"size"`
}

type previewMessage struct {
	header []byte
	image  []byte
}

// PreviewHub fans the ordered composite frames out to websocket viewers
type PreviewHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients map[string]*previewClient
	latest  map[int]previewMessage
	mu      sync.RWMutex

	allowedOrigins []string
	sendBufferSize int
}

type previewClient struct {
	id     string
	conn   *websocket.Conn
	hub    *PreviewHub
	logger *zap.Logger
	send   chan previewMessage

	closeOnce sync.Once
}

// NewPreviewHub creates a hub. An empty origin list allows every origin.
func NewPreviewHub(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *PreviewHub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 8
	}

	h := &PreviewHub{
		logger:         logger,
		clients:        make(map[string]*previewClient),
		latest:         make(map[int]previewMessage),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	return h
}

func (h *PreviewHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("Origin not allowed", zap.String("origin", origin))
	return false
}

// Observe publishes a composite frame to every viewer. Slow viewers miss
// frames instead of holding up the pipeline.
func (h *PreviewHub) Observe(f frame.Frame) {
	header, err := json.Marshal(FrameHeader{
		Type:      "frame",
		Monitor:   f.Camera,
		Index:     f.FrameNumber,
		Timestamp: f.Timestamp.UnixMilli(),
		Cameras:   f.Tags["cameras"],
		Size:      len(f.Data),
	})
	if err != nil {
		h.logger.Error("Failed to encode preview header", zap.Error(err))
		return
	}
	msg := previewMessage{header: header, image: f.Data}

	// Sends happen under the lock so close cannot race them
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[f.Camera] = msg
	for _, c := range h.clients {
		c.enqueue(msg)
	}
}

// HandleWebSocket upgrades a viewer connection and replays the latest frame
// of every monitor to it.
func (h *PreviewHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &previewClient{
		id:     clientID,
		conn:   conn,
		hub:    h,
		logger: h.logger.With(zap.String("client_id", clientID)),
		send:   make(chan previewMessage, h.sendBufferSize),
	}

	h.mu.Lock()
	h.clients[clientID] = client
	monitors := make([]int, 0, len(h.latest))
	for m := range h.latest {
		monitors = append(monitors, m)
	}
	sort.Ints(monitors)
	for _, m := range monitors {
		client.enqueue(h.latest[m])
	}
	h.mu.Unlock()
	metrics.PreviewClients.Inc()

	client.logger.Info("Preview client connected", zap.String("remote_addr", r.RemoteAddr))

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected viewers
func (h *PreviewHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every viewer
func (h *PreviewHub) Close() {
	h.mu.RLock()
	clients := make([]*previewClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *previewClient) enqueue(msg previewMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("Preview client behind, dropping frame")
	}
}

// readPump only watches for the viewer going away
func (c *previewClient) readPump() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *previewClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg.header); err != nil {
			c.logger.Debug("WebSocket write error", zap.Error(err))
			return
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.image); err != nil {
			c.logger.Debug("WebSocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *previewClient) close() {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c.id)
		close(c.send)
		c.hub.mu.Unlock()
		metrics.PreviewClients.Dec()
		c.logger.Info("Preview client disconnected")
	})
}
