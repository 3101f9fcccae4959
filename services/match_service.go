package services

import (
	"context"
	"errors"
	"time"

	"animochat_server/models"

	"github.com/rs/zerolog/log"
)

// MatchResult is the outcome of one findMatch call. Not matching anyone is a
// normal result under low pool occupancy, not an error.
type MatchResult struct {
	Matched   bool
	RoomID    string
	PartnerID string
}

// MatchService is the matchmaking engine. One call scans the waiting pool
// partitions for a live, compatible candidate, claims it under a pairwise
// lock and creates the session; if the bounded attempt budget runs out the
// caller is enqueued instead.
//
// Destructive random popping plus the pairwise lock give at-most-one
// successful pairing per candidate without any global lock over the pool.
type MatchService struct {
	Redis  *RedisService
	Users  *UserService
	Pool   *PoolService
	Compat *CompatService
	Rooms  *RoomService
	// Local is this process's connection registry; combined with the shared
	// presence markers it decides whether a popped candidate is a ghost.
	Local LocalPresence

	// MaxAttempts bounds the scan loop.
	MaxAttempts int
	// RetryDelay is the yield between scan rounds.
	RetryDelay time.Duration
	// BypassScoreAfter is the 1-based attempt from which compatibility
	// scoring is skipped; <= 0 never bypasses.
	BypassScoreAfter int
	// LockTTL is the expiry on pairwise locks.
	LockTTL time.Duration
}

// FindMatch runs the pairing algorithm for id. The caller's connection event
// loop must not be blocked on this: run it on its own goroutine.
func (s *MatchService) FindMatch(ctx context.Context, id string) (MatchResult, error) {
	log.Debug().Str("user", id).Msg("searching for a match")

	// Scrub our own state first so back-to-back searches never leave
	// duplicate pool entries or a dangling room pointer.
	if err := s.Pool.RemoveEverywhere(ctx, id); err != nil {
		return MatchResult{}, err
	}
	if err := s.clearStaleRoom(ctx, id); err != nil {
		return MatchResult{}, err
	}

	// A skipper may search again at once, but must not draw the partner
	// they just skipped while their own cooldown lasts.
	avoid, err := s.recentPartnerToAvoid(ctx, id)
	if err != nil {
		return MatchResult{}, err
	}

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Yield between rounds so contending searchers don't spin.
			select {
			case <-ctx.Done():
				return MatchResult{}, ctx.Err()
			case <-time.After(s.RetryDelay):
			}
		}
		bypassScore := s.BypassScoreAfter > 0 && attempt >= s.BypassScoreAfter

		for _, partition := range s.Pool.ShuffledPartitions() {
			candidateID, err := s.Pool.PopRandom(ctx, partition)
			if err != nil {
				log.Warn().Err(err).Str("partition", partition).Msg("pool pop failed, skipping partition")
				continue
			}
			if candidateID == "" || candidateID == id {
				// Empty partition, or a wasted self-draw.
				continue
			}
			if avoid != "" && candidateID == avoid {
				if err := s.requeueElsewhere(ctx, candidateID); err != nil {
					log.Warn().Err(err).Str("candidate", candidateID).Msg("candidate re-enqueue failed")
				}
				continue
			}

			switch roomID, err := s.claim(ctx, id, candidateID, bypassScore); {
			case errors.Is(err, ErrCallerBusy):
				// A concurrent searcher claimed us mid-scan. Stop; if their
				// room is already written we can report it directly.
				return s.claimedElsewhere(ctx, id)
			case err != nil:
				log.Warn().Err(err).Str("user", id).Str("candidate", candidateID).Msg("claim attempt failed")
			case roomID != "":
				return MatchResult{Matched: true, RoomID: roomID, PartnerID: candidateID}, nil
			}
		}
	}

	// Last look before waiting: enqueueing an identity that was just claimed
	// by another searcher would put a phantom entry in the pool.
	claimed, err := s.Redis.MarkerExists(ctx, models.SessionClaimKey(id))
	if err != nil {
		return MatchResult{}, err
	}
	if claimed {
		return s.claimedElsewhere(ctx, id)
	}

	partition, err := s.Pool.JoinRandom(ctx, id)
	if err != nil {
		return MatchResult{}, err
	}
	log.Debug().Str("user", id).Str("partition", partition).Msg("no match found, waiting in pool")
	return MatchResult{}, nil
}

// claimedElsewhere resolves a search that lost its own identity to a
// concurrent pairing. The winner's match:success still arrives through the
// broadcast path, so an empty result here is safe even while their room
// write is still in flight.
func (s *MatchService) claimedElsewhere(ctx context.Context, id string) (MatchResult, error) {
	user, err := s.Users.GetUser(ctx, id)
	if err != nil {
		return MatchResult{}, err
	}
	if user != nil && user.CurrentRoomID != "" {
		log.Debug().Str("user", id).Str("room", user.CurrentRoomID).Msg("paired by a concurrent searcher")
		return MatchResult{Matched: true, RoomID: user.CurrentRoomID, PartnerID: user.LastPartnerID}, nil
	}
	return MatchResult{}, nil
}

// claim validates a freshly popped candidate and, if it survives the checks,
// pairs it with id under the pairwise lock. Returns the new room id, or ""
// when the candidate was discarded or lost to a racing searcher.
func (s *MatchService) claim(ctx context.Context, id, candidateID string, bypassScore bool) (string, error) {
	live, err := s.isLive(ctx, candidateID)
	if err != nil {
		return "", err
	}
	if !live {
		// Ghost: its entry is already consumed by the pop, never re-enqueue.
		log.Debug().Str("ghost", candidateID).Msg("discarding dead pool entry")
		return "", nil
	}

	cooling, err := s.Users.InCooldown(ctx, candidateID)
	if err != nil {
		return "", err
	}
	if cooling {
		return "", s.requeueElsewhere(ctx, candidateID)
	}

	if !bypassScore {
		ok, err := s.Compat.ShouldMatch(ctx, id, candidateID)
		if err != nil {
			return "", err
		}
		if !ok {
			// Rejected, not consumed: park it in a different partition so we
			// don't draw it right back.
			return "", s.requeueElsewhere(ctx, candidateID)
		}
	}

	lockKey := models.PairLockKey(id, candidateID)
	acquired, err := s.Redis.TryAcquireLock(ctx, lockKey, s.LockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		// A racing attempt owns this pair; the candidate is theirs now.
		log.Debug().Str("user", id).Str("candidate", candidateID).Msg("lost pairing race")
		return "", nil
	}
	defer func() {
		if err := s.Redis.ReleaseLock(ctx, lockKey); err != nil {
			log.Warn().Err(err).Str("lock", lockKey).Msg("lock release failed, expiry will reclaim it")
		}
	}()

	// Double-check under the lock: a concurrent attempt may have paired the
	// candidate through a different partition before we got here.
	available, err := s.stillAvailable(ctx, candidateID)
	if err != nil || !available {
		return "", err
	}

	roomID, err := s.Rooms.CreateRoom(ctx, id, candidateID)
	switch {
	case errors.Is(err, ErrCandidateBusy):
		// A disjoint pair lock beat us to this identity; its entry is theirs.
		log.Debug().Str("candidate", candidateID).Msg("candidate claimed through another pair")
		return "", nil
	case errors.Is(err, ErrCallerBusy):
		// We lost ourselves, not the candidate: it stays eligible.
		if reqErr := s.requeueElsewhere(ctx, candidateID); reqErr != nil {
			log.Warn().Err(reqErr).Str("candidate", candidateID).Msg("candidate re-enqueue failed")
		}
		return "", err
	}
	return roomID, err
}

// recentPartnerToAvoid names the caller's last partner while the caller is
// cooling down after a skip, "" otherwise.
func (s *MatchService) recentPartnerToAvoid(ctx context.Context, id string) (string, error) {
	cooling, err := s.Users.InCooldown(ctx, id)
	if err != nil || !cooling {
		return "", err
	}
	user, err := s.Users.GetUser(ctx, id)
	if err != nil || user == nil {
		return "", err
	}
	return user.LastPartnerID, nil
}

func (s *MatchService) stillAvailable(ctx context.Context, candidateID string) (bool, error) {
	candidate, err := s.Users.GetUser(ctx, candidateID)
	if err != nil {
		return false, err
	}
	if candidate == nil || candidate.CurrentRoomID != "" {
		return false, nil
	}
	return s.isLive(ctx, candidateID)
}

// isLive combines the process-local registry with the shared presence
// marker: a member connected to another process is only visible through the
// latter.
func (s *MatchService) isLive(ctx context.Context, id string) (bool, error) {
	if s.Local.Has(id) {
		return true, nil
	}
	return s.Users.IsPresent(ctx, id)
}

func (s *MatchService) requeueElsewhere(ctx context.Context, id string) error {
	partition := s.Pool.RandomPartition()
	if err := s.Pool.Join(ctx, partition, id); err != nil {
		return err
	}
	log.Debug().Str("user", id).Str("partition", partition).Msg("candidate re-enqueued")
	return nil
}

// clearStaleRoom drops a dangling room pointer left behind when a teardown
// half-failed. A pointer at a live room is left alone; the gateway performs
// an explicit leave before searching.
func (s *MatchService) clearStaleRoom(ctx context.Context, id string) error {
	user, err := s.Users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user == nil || user.CurrentRoomID == "" {
		return nil
	}
	room, err := s.Rooms.GetRoom(ctx, user.CurrentRoomID)
	if err != nil {
		return err
	}
	if room == nil {
		return s.Users.ClearCurrentRoom(ctx, id)
	}
	return nil
}
