package services

import (
	"context"
	"math/rand"
	"time"

	"animochat_server/models"

	"github.com/rs/zerolog/log"
)

// CompatService weighs how undesirable a rematch is, based on how many times
// a pair has already been put together. It is a probabilistic damper, never a
// hard exclusion: even at the floor two users can still match, so a tiny pool
// cannot deadlock.
type CompatService struct {
	Redis *RedisService
	// HistoryTTL is the decay window on the per-pair counters.
	HistoryTTL time.Duration
	// Roll overrides the random source in tests; nil means rand.Float64.
	Roll func() float64
}

// MatchCount returns how many times the ordered pair has matched within the
// decay window.
func (s *CompatService) MatchCount(ctx context.Context, id, partnerID string) (int, error) {
	return s.Redis.GetCounter(ctx, models.MatchCountKey(id, partnerID))
}

// Score maps a match count to a 0-100 weight: fresh pairs always match,
// repeat pairs fall off quickly to a 5% floor.
func (s *CompatService) Score(matchCount int) int {
	switch matchCount {
	case 0:
		return 100
	case 1:
		return 60
	case 2:
		return 30
	case 3:
		return 15
	default:
		return 5
	}
}

// ShouldMatch rolls against the pair's score and reports whether this
// pairing goes ahead.
func (s *CompatService) ShouldMatch(ctx context.Context, id, partnerID string) (bool, error) {
	count, err := s.MatchCount(ctx, id, partnerID)
	if err != nil {
		return false, err
	}
	score := s.Score(count)
	roll := s.roll() * 100
	ok := roll <= float64(score)

	log.Debug().
		Str("user", id).
		Str("candidate", partnerID).
		Int("score", score).
		Float64("roll", roll).
		Bool("match", ok).
		Msg("compatibility roll")
	return ok, nil
}

// RecordMatch bumps the counters for both orderings so either side's future
// scans see the same history.
func (s *CompatService) RecordMatch(ctx context.Context, id, partnerID string) error {
	if _, err := s.Redis.IncrementWithExpiry(ctx, models.MatchCountKey(id, partnerID), s.HistoryTTL); err != nil {
		return err
	}
	_, err := s.Redis.IncrementWithExpiry(ctx, models.MatchCountKey(partnerID, id), s.HistoryTTL)
	return err
}

func (s *CompatService) roll() float64 {
	if s.Roll != nil {
		return s.Roll()
	}
	return rand.Float64()
}
