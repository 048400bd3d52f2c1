package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	hub *Hub
	log *logrus.Entry

	// roomID is guarded by hub.mu.
	roomID string

	done      chan struct{}
	closeOnce sync.Once
}

// HandleWebSocket upgrades the request and serves one relay client. A valid
// token query parameter ties the client to a user.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	var userID string
	if token := c.Query("token"); token != "" {
		claims, err := middleware.ParseToken(h.jwtSecret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		userID = claims.UserID
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	id := uuid.New().String()
	client := &Client{
		ID:     id,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		hub:    h,
		log:    h.log.WithField("client", id),
		done:   make(chan struct{}),
	}
	h.register(client)
	client.log.Info("Client connected")

	hello, _ := models.NewEnvelope(models.TypePresence, models.CmdHello, models.Hello{ClientID: id})
	client.sendEnvelope(hello)

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// creatorID is the id recorded as creator of rooms made by c.
func (c *Client) creatorID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.ID
}

func (c *Client) owns(room models.RoomMetadata) bool {
	return room.CreatorID == c.creatorID()
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.close()
		c.Conn.Close()
		c.hub.unregister(context.Background(), c)
		c.log.Info("Client disconnected")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.WithError(err).Warn("Failed to parse message")
			continue
		}
		c.hub.handle(ctx, c, env)
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
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// sendEnvelope queues env without blocking. Messages to a slow client are
// dropped.
func (c *Client) sendEnvelope(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("Failed to marshal message")
		return
	}

	select {
	case <-c.done:
	case c.Send <- data:
	default:
		c.log.Warn("Failed to send message, buffer full")
	}
}
