package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const roomIndexKey = "rooms"

func roomKey(roomID string) string    { return "room:" + roomID }
func codeKey(code string) string      { return "code:" + code }
func membersKey(roomID string) string { return "room:" + roomID + ":peers" }

// RedisStore keeps rooms in Redis. Every key expires after RoomTTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	roomData, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), roomData, RoomTTL)
		// Store code-to-ID mapping for easy lookup
		pipe.Set(ctx, codeKey(room.Code), room.ID, RoomTTL)
		pipe.SAdd(ctx, roomIndexKey, room.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error) {
	roomData, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to parse room data: %w", err)
	}
	return room, nil
}

func (s *RedisStore) FindByCode(ctx context.Context, code string) (models.RoomMetadata, error) {
	id, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("resolve code %s: %w", code, err)
	}
	return s.GetRoom(ctx, id)
}

// ListRooms returns the rooms that have not expired yet and prunes the
// index of the ones that have.
func (s *RedisStore) ListRooms(ctx context.Context) ([]models.RoomMetadata, error) {
	ids, err := s.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	out := make([]models.RoomMetadata, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if errors.Is(err, ErrRoomNotFound) {
			s.client.SRem(ctx, roomIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		playerCount, _ := s.client.SCard(ctx, membersKey(id)).Result()
		room.PlayerCount = int(playerCount)
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(roomID), codeKey(room.Code), membersKey(roomID))
		pipe.SRem(ctx, roomIndexKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) AddMember(ctx context.Context, roomID, clientID string) error {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("check room %s: %w", roomID, err)
	}
	if exists == 0 {
		return ErrRoomNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, membersKey(roomID), clientID)
		pipe.Expire(ctx, membersKey(roomID), RoomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add member to %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, clientID string) error {
	if err := s.client.SRem(ctx, membersKey(roomID), clientID).Err(); err != nil {
		return fmt.Errorf("remove member from %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	sort.Strings(members)
	return members, nil
}
