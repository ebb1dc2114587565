// Package directory is the call/room directory collaborator: it mints
// and persists human-shareable room identifiers and mirrors live room
// occupancy. The signaling core only consumes the resolved room id.
package directory

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/config"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars
)

// RoomMetadata is the persisted description of a room.
type RoomMetadata struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"` // short shareable room code
	CreatorID       string    `json:"creatorId"`
	CreatedAt       time.Time `json:"createdAt"`
	MaxParticipants int       `json:"maxParticipants"`
	MemberCount     int       `json:"memberCount"`
}

// Store keeps room metadata, code lookups and live presence in Redis.
type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewStore(cfg config.RedisConfig, log zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{rdb: rdb, log: log}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Create mints a new room with a fresh id and shareable code.
func (s *Store) Create(ctx context.Context, creatorID string, maxParticipants int) (*RoomMetadata, error) {
	room := &RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		CreatorID:       creatorID,
		CreatedAt:       time.Now(),
		MaxParticipants: maxParticipants,
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("marshal room metadata: %w", err)
	}
	if err := s.rdb.Set(ctx, "room:"+room.ID, data, roomTTL).Err(); err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}
	if err := s.rdb.Set(ctx, "code:"+room.Code, room.ID, roomTTL).Err(); err != nil {
		return nil, fmt.Errorf("store room code: %w", err)
	}

	s.log.Info().Str("room", room.ID).Str("code", room.Code).Str("creator", creatorID).Msg("room created")
	return room, nil
}

// Resolve accepts a room id or a short code and returns the room.
func (s *Store) Resolve(ctx context.Context, identifier string) (*RoomMetadata, error) {
	roomID := identifier
	if len(identifier) == roomCodeLength {
		id, err := s.rdb.Get(ctx, "code:"+identifier).Result()
		if err != nil {
			return nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	data, err := s.rdb.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("room not found")
	}

	var room RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("parse room metadata: %w", err)
	}

	count, _ := s.rdb.SCard(ctx, "room:"+roomID+":peers").Result()
	room.MemberCount = int(count)
	return &room, nil
}

// Admit resolves the identifier and checks the room has capacity left.
func (s *Store) Admit(ctx context.Context, identifier string) (*RoomMetadata, error) {
	room, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if room.MaxParticipants > 0 && room.MemberCount >= room.MaxParticipants {
		return nil, fmt.Errorf("room is full")
	}
	return room, nil
}

// AdmitID is the relay-facing form of Admit: it yields only the
// canonical room id.
func (s *Store) AdmitID(ctx context.Context, identifier string) (string, error) {
	room, err := s.Admit(ctx, identifier)
	if err != nil {
		return "", err
	}
	return room.ID, nil
}

// Delete removes the room and its presence set. Only the creator may
// delete a room.
func (s *Store) Delete(ctx context.Context, roomID, requesterID string) error {
	data, err := s.rdb.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return fmt.Errorf("room not found")
	}
	var room RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return fmt.Errorf("parse room metadata: %w", err)
	}
	if room.CreatorID != requesterID {
		return fmt.Errorf("only the room creator can delete the room")
	}

	s.rdb.Del(ctx, "room:"+roomID, "code:"+room.Code, "room:"+roomID+":peers")
	s.log.Info().Str("room", roomID).Str("requester", requesterID).Msg("room deleted")
	return nil
}

// PeerJoined and PeerLeft implement the relay's Presence hook.

func (s *Store) PeerJoined(roomID, peerID string) {
	ctx := context.Background()
	s.rdb.SAdd(ctx, "room:"+roomID+":peers", peerID)
	s.rdb.Expire(ctx, "room:"+roomID+":peers", roomTTL)
}

func (s *Store) PeerLeft(roomID, peerID string) {
	s.rdb.SRem(context.Background(), "room:"+roomID+":peers", peerID)
}

func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
