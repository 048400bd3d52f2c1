package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/store"
)

// RoomHandler serves the REST side of the room registry.
type RoomHandler struct {
	store store.Store
	hub   *Hub
	log   *logrus.Logger
}

func NewRoomHandler(s store.Store, hub *Hub, logger *logrus.Logger) *RoomHandler {
	return &RoomHandler{store: s, hub: hub, log: logger}
}

// CreateRoom creates a new room (requires authentication)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := store.NewRoom(userID, req.Name, req.MaxPlayers)
	if err := h.store.SaveRoom(c.Request.Context(), room); err != nil {
		h.log.WithError(err).Error("Failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.log.WithFields(logrus.Fields{"room": room.ID, "code": room.Code, "user": userID}).Info("Room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := store.Resolve(c.Request.Context(), h.store, c.Param("roomId"))
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.log.WithError(err).Error("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// GetTopology returns the live topology of a room by code or ID (public)
func (h *RoomHandler) GetTopology(c *gin.Context) {
	room, err := store.Resolve(c.Request.Context(), h.store, c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	update, ok := h.hub.Topology(room.ID)
	if !ok {
		update = models.TopologyUpdate{Room: room.ID, Nodes: []string{}, Paths: [][]string{}}
	}
	c.JSON(http.StatusOK, update)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")
	room, err := h.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.hub.CloseRoom(c.Request.Context(), roomID); err != nil {
		h.log.WithError(err).Error("Failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.log.WithFields(logrus.Fields{"room": roomID, "user": userID}).Info("Room deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
