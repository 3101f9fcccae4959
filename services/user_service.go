package services

import (
	"context"
	"strconv"
	"time"

	"animochat_server/models"
)

// UserService owns identity records in the shared store: the per-connection
// hash, the online set, the presence heartbeat and the skip cooldown marker.
type UserService struct {
	Redis *RedisService
	// IdentityTTL is the safety-net expiry on the identity hash; normal
	// cleanup happens on disconnect.
	IdentityTTL time.Duration
	// PresenceTTL bounds how stale a heartbeat may be before other processes
	// treat the identity as gone.
	PresenceTTL time.Duration
}

// SaveUser creates the identity record for a fresh connection and marks it
// online and present.
func (s *UserService) SaveUser(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	user := &models.User{
		ID:         id,
		SocketID:   id,
		JoinedAt:   now,
		LastActive: now,
	}
	if err := s.Redis.SetHash(ctx, models.UserKey(id), user.ToHash(), s.IdentityTTL); err != nil {
		return err
	}
	if err := s.Redis.AddToSet(ctx, models.OnlineUsersKey, id); err != nil {
		return err
	}
	return s.Heartbeat(ctx, id)
}

// GetUser returns (nil, nil) when the identity does not exist.
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	fields, err := s.Redis.GetHash(ctx, models.UserKey(id))
	if err != nil {
		return nil, err
	}
	return models.UserFromHash(fields), nil
}

// SetCurrentRoom points the identity at its new session and remembers the
// partner.
func (s *UserService) SetCurrentRoom(ctx context.Context, id, roomID, partnerID string) error {
	return s.Redis.SetHashFields(ctx, models.UserKey(id), map[string]string{
		"currentRoomId": roomID,
		"lastPartnerId": partnerID,
		"lastActive":    strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
}

// ClearCurrentRoom detaches the identity from its session. Idempotent.
func (s *UserService) ClearCurrentRoom(ctx context.Context, id string) error {
	return s.Redis.SetHashFields(ctx, models.UserKey(id), map[string]string{
		"currentRoomId": "",
		"lastActive":    strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
}

// RemoveUser deletes everything keyed to the identity.
func (s *UserService) RemoveUser(ctx context.Context, id string) error {
	if err := s.Redis.RemoveFromSet(ctx, models.OnlineUsersKey, id); err != nil {
		return err
	}
	return s.Redis.DeleteKey(ctx,
		models.UserKey(id),
		models.PresenceKey(id),
		models.CooldownKey(id),
		models.SessionClaimKey(id),
	)
}

// Heartbeat refreshes the process-agnostic liveness marker.
func (s *UserService) Heartbeat(ctx context.Context, id string) error {
	return s.Redis.SetMarker(ctx, models.PresenceKey(id), s.PresenceTTL)
}

// IsPresent reports whether any process has recently heartbeated this
// identity.
func (s *UserService) IsPresent(ctx context.Context, id string) (bool, error) {
	return s.Redis.MarkerExists(ctx, models.PresenceKey(id))
}

// SetCooldown keeps the identity out of candidate selection for d.
func (s *UserService) SetCooldown(ctx context.Context, id string, d time.Duration) error {
	return s.Redis.SetMarker(ctx, models.CooldownKey(id), d)
}

func (s *UserService) InCooldown(ctx context.Context, id string) (bool, error) {
	return s.Redis.MarkerExists(ctx, models.CooldownKey(id))
}

// OnlineCount is the number of connected identities across all processes.
func (s *UserService) OnlineCount(ctx context.Context) (int, error) {
	return s.Redis.SetCardinality(ctx, models.OnlineUsersKey)
}
