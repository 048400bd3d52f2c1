package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// MemoryStore keeps rooms in process memory. Rooms do not expire.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string]models.RoomMetadata
	codes   map[string]string
	members map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]models.RoomMetadata),
		codes:   make(map[string]string),
		members: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) SaveRoom(_ context.Context, room models.RoomMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	s.codes[room.Code] = room.ID
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (models.RoomMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) FindByCode(ctx context.Context, code string) (models.RoomMetadata, error) {
	s.mu.RLock()
	id, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	return s.GetRoom(ctx, id)
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]models.RoomMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RoomMetadata, 0, len(s.rooms))
	for _, room := range s.rooms {
		room.PlayerCount = len(s.members[room.ID])
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.codes, room.Code)
	delete(s.members, roomID)
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	set, ok := s.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.members[roomID] = set
	}
	set[clientID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], clientID)
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[roomID]))
	for id := range s.members[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
