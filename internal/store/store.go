// Package store keeps the room registry of the relay server.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	RoomCodeLength    = 6
	RoomTTL           = 24 * time.Hour
	DefaultMaxPlayers = 8
	codeChars         = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomLocked   = errors.New("room is locked")
)

// Store persists room metadata and membership.
type Store interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error)
	FindByCode(ctx context.Context, code string) (models.RoomMetadata, error)
	ListRooms(ctx context.Context) ([]models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, roomID string) error

	AddMember(ctx context.Context, roomID, clientID string) error
	RemoveMember(ctx context.Context, roomID, clientID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

// NewRoom builds metadata for a fresh room with a random id and code.
func NewRoom(creatorID, name string, maxPlayers int) models.RoomMetadata {
	if maxPlayers == 0 {
		maxPlayers = DefaultMaxPlayers
	}
	return models.RoomMetadata{
		ID:         uuid.New().String(),
		Code:       GenerateRoomCode(),
		Name:       name,
		CreatorID:  creatorID,
		CreatedAt:  time.Now(),
		MaxPlayers: maxPlayers,
	}
}

// GenerateRoomCode generates a random room code
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// Resolve finds a room by its short code or its id, with the current
// member count filled in.
func Resolve(ctx context.Context, s Store, identifier string) (models.RoomMetadata, error) {
	var (
		room models.RoomMetadata
		err  error
	)
	// Check if it's a code (6 chars) vs UUID
	if len(identifier) == RoomCodeLength {
		room, err = s.FindByCode(ctx, identifier)
	} else {
		room, err = s.GetRoom(ctx, identifier)
	}
	if err != nil {
		return models.RoomMetadata{}, err
	}

	members, err := s.Members(ctx, room.ID)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	room.PlayerCount = len(members)
	return room, nil
}

// CheckJoinable rejects rooms that are locked or already full.
func CheckJoinable(room models.RoomMetadata) error {
	if room.Locked {
		return ErrRoomLocked
	}
	if room.PlayerCount >= room.MaxPlayers {
		return ErrRoomFull
	}
	return nil
}
