package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	Name        string    `json:"name,omitempty"`
	CreatorID   string    `json:"creatorId"` // User or client id that created the room
	CreatedAt   time.Time `json:"createdAt"`
	MaxPlayers  int       `json:"maxPlayers"`
	PlayerCount int       `json:"playerCount"`
	Locked      bool      `json:"locked"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name       string `json:"name,omitempty"`
	MaxPlayers int    `json:"maxPlayers" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// RoomRef addresses a room by id or by its short code.
type RoomRef struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Identifier returns whichever of the id or code is set.
func (r RoomRef) Identifier() string {
	if r.RoomID != "" {
		return r.RoomID
	}
	return r.Code
}

// RoomState is a room together with the client ids currently inside it.
type RoomState struct {
	Room    RoomMetadata `json:"room"`
	Members []string     `json:"members"`
}

// Room change events pushed with TypeRoomChange.
const (
	RoomJoined   = "joined"
	RoomLeft     = "left"
	RoomLocked   = "locked"
	RoomUnlocked = "unlocked"
	RoomClosed   = "closed"
)

// RoomChange notifies members that the room or its membership changed.
type RoomChange struct {
	Event    string       `json:"event"`
	ClientID string       `json:"clientId,omitempty"`
	Room     RoomMetadata `json:"room"`
	Members  []string     `json:"members"`
}
