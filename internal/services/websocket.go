package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the driver UI is served from the device itself
	},
}

// Client is one connected driver UI.
type Client struct {
	VehicleID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
}

// Hub fans trip events out to the UI clients of the vehicle they belong to.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mutex.Unlock()
			return nil

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			clients := h.GetConnectedClients()
			metrics.WebSocketClients.Set(float64(clients))
			h.logger.Info("websocket client connected", "vehicle_id", client.VehicleID, "clients", clients)

		case client := <-h.unregister:
			h.remove(client)
			clients := h.GetConnectedClients()
			metrics.WebSocketClients.Set(float64(clients))
			h.logger.Info("websocket client disconnected", "vehicle_id", client.VehicleID, "clients", clients)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

// WebSocketMessage is the envelope of every pushed message.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Publish sends a trip event to the clients of the event's vehicle. A client
// whose buffer is full is dropped.
func (h *Hub) Publish(ev models.TripEvent) {
	data, err := json.Marshal(WebSocketMessage{Type: string(ev.Type), Data: ev})
	if err != nil {
		h.logger.Error("failed to marshal trip event", "type", ev.Type, "error", err)
		return
	}
	h.BroadcastToVehicle(ev.VehicleID, data)
}

func (h *Hub) BroadcastToVehicle(vehicleID string, message []byte) {
	var slow []*Client

	h.mutex.RLock()
	for client := range h.clients {
		if client.VehicleID != vehicleID {
			continue
		}
		select {
		case client.Send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow websocket client", "vehicle_id", client.VehicleID)
		h.remove(client)
	}
}

// GetConnectedClients returns the number of connected clients
func (h *Hub) GetConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the connection to the hub.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, vehicleID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		VehicleID: vehicleID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Hub:       hub,
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only watches the connection; the UI never sends commands over it.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("websocket read error", "vehicle_id", c.VehicleID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Warn("websocket write error", "vehicle_id", c.VehicleID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
