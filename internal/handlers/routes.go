package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-mesh/internal/middleware"
)

// RouterOptions holds what the HTTP routes need.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	Hub            *Hub
	Rooms          *RoomHandler
}

// Register mounts the REST API and the relay socket on router.
func Register(router *gin.Engine, opts RouterOptions) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(opts.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": opts.Hub.ClientCount()})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(opts.JWTSecret))

		apiGroup.POST("/rooms", middleware.JWTAuth(opts.JWTSecret), opts.Rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", opts.Rooms.GetRoom)
		apiGroup.GET("/rooms/:roomId/topology", opts.Rooms.GetTopology)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(opts.JWTSecret), opts.Rooms.DeleteRoom)
	}

	// Relay socket: presence, topology and peer signaling
	router.GET("/ws", opts.Hub.HandleWebSocket)
}
