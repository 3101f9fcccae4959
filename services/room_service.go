package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"animochat_server/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// User-visible precondition failures. Everything else stays internal.
var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotInRoom    = errors.New("you are not in this room")
)

// Race losses during room creation; the engine absorbs these silently.
var (
	ErrCandidateBusy = errors.New("candidate already entering a session")
	ErrCallerBusy    = errors.New("caller already entering a session")
)

// RoomService owns session lifecycle: creation, message and typing relay,
// skip/leave teardown and disconnect cleanup. Partner notifications are
// best-effort; shared-state cleanup always completes regardless.
type RoomService struct {
	Redis     *RedisService
	Users     *UserService
	Pool      *PoolService
	Compat    *CompatService
	Broadcast Notifier
	// SkipCooldown is imposed on a skipper only, so the skipped side can
	// search again immediately.
	SkipCooldown time.Duration
	// RoomTTL is the safety-net expiry on session hashes.
	RoomTTL time.Duration
	// ClaimTTL bounds the per-identity pairing claims. It must outlast the
	// pairing window only, never the session: a claim orphaned by a crashed
	// pairer frees its identity once it lapses, and a live session is
	// already protected by the members' room pointers.
	ClaimTTL time.Duration
}

// CreateRoom pairs two identities into a fresh session. Called by the
// matchmaking engine under the pairwise lock. Both identities are claimed
// atomically first: the pairwise lock serializes attempts on one pair, but
// two disjoint pairs sharing an identity race through different locks, and
// exactly one of them may win that identity.
func (s *RoomService) CreateRoom(ctx context.Context, user1ID, user2ID string) (string, error) {
	claimed, err := s.Redis.TryAcquireLock(ctx, models.SessionClaimKey(user2ID), s.ClaimTTL)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrCandidateBusy
	}
	claimed, err = s.Redis.TryAcquireLock(ctx, models.SessionClaimKey(user1ID), s.ClaimTTL)
	if err != nil || !claimed {
		// Roll the candidate claim back; its entry stays consumable.
		if rbErr := s.Redis.DeleteKey(ctx, models.SessionClaimKey(user2ID)); rbErr != nil {
			log.Warn().Err(rbErr).Str("user", user2ID).Msg("claim rollback failed, expiry will reclaim it")
		}
		if err != nil {
			return "", err
		}
		return "", ErrCallerBusy
	}

	roomID, err := s.writeRoom(ctx, user1ID, user2ID)
	if err != nil {
		// Creation had no effect; give both identities back.
		if rbErr := s.Redis.DeleteKey(ctx, models.SessionClaimKey(user1ID), models.SessionClaimKey(user2ID)); rbErr != nil {
			log.Warn().Err(rbErr).Msg("claim rollback failed, expiry will reclaim it")
		}
		return "", err
	}

	matched := models.MatchedPayload{RoomID: roomID, PartnerID: models.AnonymousPartnerLabel}
	for _, id := range []string{user1ID, user2ID} {
		if err := s.Broadcast.EmitToIdentity(ctx, id, models.EventMatchSuccess, matched); err != nil {
			log.Warn().Err(err).Str("user", id).Str("room", roomID).Msg("matched notification failed")
		}
	}

	log.Info().Str("room", roomID).Str("user1", user1ID).Str("user2", user2ID).Msg("room created")
	return roomID, nil
}

func (s *RoomService) writeRoom(ctx context.Context, user1ID, user2ID string) (string, error) {
	now := time.Now().UnixMilli()
	room := &models.Room{
		ID:           uuid.NewString(),
		User1ID:      user1ID,
		User2ID:      user2ID,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.Redis.SetHash(ctx, models.RoomKey(room.ID), room.ToHash(), s.RoomTTL); err != nil {
		return "", err
	}
	if err := s.Users.SetCurrentRoom(ctx, user1ID, room.ID, user2ID); err != nil {
		return "", err
	}
	if err := s.Users.SetCurrentRoom(ctx, user2ID, room.ID, user1ID); err != nil {
		return "", err
	}
	if err := s.Compat.RecordMatch(ctx, user1ID, user2ID); err != nil {
		return "", err
	}

	// Safety net: neither member may linger in a waiting pool.
	if err := s.Pool.RemoveEverywhere(ctx, user1ID); err != nil {
		return "", err
	}
	if err := s.Pool.RemoveEverywhere(ctx, user2ID); err != nil {
		return "", err
	}
	return room.ID, nil
}

// GetRoom returns (nil, nil) when the room does not exist.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	fields, err := s.Redis.GetHash(ctx, models.RoomKey(roomID))
	if err != nil {
		return nil, err
	}
	return models.RoomFromHash(fields), nil
}

// SendMessage relays a text message to the sender's session peer. Single
// sender ordering is preserved because relay happens on the caller's event
// path, never a detached goroutine.
func (s *RoomService) SendMessage(ctx context.Context, senderID, roomID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	room, err := s.memberRoom(ctx, senderID, roomID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if err := s.Redis.SetHashFields(ctx, models.RoomKey(room.ID), map[string]string{
		"lastActivity": strconv.FormatInt(now, 10),
	}); err != nil {
		return err
	}
	if err := s.Users.Heartbeat(ctx, senderID); err != nil {
		log.Warn().Err(err).Str("user", senderID).Msg("heartbeat refresh failed")
	}

	payload := models.MessagePayload{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: now,
		Type:      "text",
	}
	return s.Broadcast.EmitToGroup(ctx, room.ID, models.EventMessageReceive, payload, senderID)
}

// SendTyping relays a presence signal to the session peer.
func (s *RoomService) SendTyping(ctx context.Context, senderID, roomID string, isTyping bool) error {
	room, err := s.memberRoom(ctx, senderID, roomID)
	if err != nil {
		return err
	}
	payload := models.PartnerTypingPayload{IsTyping: isTyping}
	return s.Broadcast.EmitToGroup(ctx, room.ID, models.EventPartnerTyping, payload, senderID)
}

// Skip tears the caller's session down, notifies the partner and puts a
// short cooldown on the caller only. The partner may search again at once.
func (s *RoomService) Skip(ctx context.Context, id string) error {
	if err := s.teardown(ctx, id); err != nil {
		return err
	}
	if err := s.Users.SetCooldown(ctx, id, s.SkipCooldown); err != nil {
		return err
	}
	log.Info().Str("user", id).Msg("skipped current room")
	return nil
}

// Leave tears the caller's session down without any cooldown.
func (s *RoomService) Leave(ctx context.Context, id string) error {
	return s.teardown(ctx, id)
}

// HandleDisconnect runs full cleanup for a gone connection: session
// teardown, waiting-pool scrub and identity record removal.
func (s *RoomService) HandleDisconnect(ctx context.Context, id string) error {
	if err := s.teardown(ctx, id); err != nil {
		log.Warn().Err(err).Str("user", id).Msg("teardown on disconnect failed")
	}
	if err := s.Pool.RemoveEverywhere(ctx, id); err != nil {
		return err
	}
	return s.Users.RemoveUser(ctx, id)
}

// teardown ends the caller's session if any: partner gets partner:left, the
// room record is deleted and both room pointers are cleared. A caller with
// no session is a no-op, so every exit path may call this safely.
func (s *RoomService) teardown(ctx context.Context, id string) error {
	user, err := s.Users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user == nil || user.CurrentRoomID == "" {
		return nil
	}
	roomID := user.CurrentRoomID

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room != nil {
		if partnerID := room.PartnerOf(id); partnerID != "" {
			// Best effort: the partner may already be gone.
			if err := s.Broadcast.EmitToIdentity(ctx, partnerID, models.EventPartnerLeft, nil); err != nil {
				log.Debug().Err(err).Str("partner", partnerID).Msg("partner-left notification failed")
			}
			if err := s.Users.ClearCurrentRoom(ctx, partnerID); err != nil {
				return err
			}
			if err := s.Redis.DeleteKey(ctx, models.SessionClaimKey(partnerID)); err != nil {
				return err
			}
			s.Broadcast.LeaveAllGroups(partnerID)
		}
		if err := s.Redis.DeleteKey(ctx, models.RoomKey(roomID)); err != nil {
			return err
		}
	}

	if err := s.Users.ClearCurrentRoom(ctx, id); err != nil {
		return err
	}
	if err := s.Redis.DeleteKey(ctx, models.SessionClaimKey(id)); err != nil {
		return err
	}
	s.Broadcast.LeaveAllGroups(id)
	return nil
}

func (s *RoomService) memberRoom(ctx context.Context, id, roomID string) (*models.Room, error) {
	if roomID == "" {
		return nil, ErrNotInRoom
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.HasMember(id) {
		return nil, ErrNotInRoom
	}
	return room, nil
}
