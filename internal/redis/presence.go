package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore records which users hold live sessions so any instance can
// answer presence queries.
// Keys used:
// - <prefix>:conn:<userID> hash sessionID -> ConnMeta json
// - <prefix>:presence:<userID> -> Presence json
type PresenceStore struct {
	client *redis.Client
	prefix string
}

type ConnMeta struct {
	SessionID   string `json:"session_id"`
	Instance    string `json:"instance,omitempty"`
	ConnectedAt int64  `json:"connected_at"`
}

type Presence struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
	Sessions int64  `json:"sessions"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func NewPresenceStore(r *redis.Client, prefix string) *PresenceStore {
	return &PresenceStore{client: r, prefix: prefix}
}

func (s *PresenceStore) connKey(userID string) string { return fmt.Sprintf("%s:conn:%s", s.prefix, userID) }
func (s *PresenceStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

// AddConnection registers a session and marks the user online. Both keys
// expire after ttl unless refreshed by Refresh.
func (s *PresenceStore) AddConnection(ctx context.Context, userID, sessionID, instance string, ttl time.Duration) error {
	meta, err := json.Marshal(ConnMeta{SessionID: sessionID, Instance: instance, ConnectedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.connKey(userID), sessionID, meta)
	pipe.Expire(ctx, s.connKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add connection: %w", err)
	}
	return s.setPresence(ctx, userID, StatusOnline, ttl)
}

// Refresh extends the presence keys on heartbeat.
func (s *PresenceStore) Refresh(ctx context.Context, userID string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, s.connKey(userID), ttl)
	pipe.Expire(ctx, s.presenceKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveConnection drops a session; the user goes offline with the last one.
func (s *PresenceStore) RemoveConnection(ctx context.Context, userID, sessionID string) error {
	key := s.connKey(userID)
	if err := s.client.HDel(ctx, key, sessionID).Err(); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.setPresence(ctx, userID, StatusOffline, 0)
	}
	return nil
}

func (s *PresenceStore) setPresence(ctx context.Context, userID, status string, ttl time.Duration) error {
	b, err := json.Marshal(Presence{UserID: userID, Status: status, LastSeen: time.Now().Unix()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.presenceKey(userID), b, ttl).Err()
}

// GetPresence reports offline for users never seen or whose keys expired.
func (s *PresenceStore) GetPresence(ctx context.Context, userID string) (Presence, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return Presence{}, err
	}
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, err
	}
	n, err := s.client.HLen(ctx, s.connKey(userID)).Result()
	if err != nil {
		return Presence{}, err
	}
	p.Sessions = n
	if n == 0 {
		p.Status = StatusOffline
	}
	return p, nil
}
