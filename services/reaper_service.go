package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ReaperService periodically sweeps the waiting pool for ghosts: entries
// whose connection died before its owning process could clean up. Each
// process runs its own sweep; removal is idempotent so overlap is harmless.
// This complements the inline ghost discard in the matchmaking scan, it does
// not replace it.
type ReaperService struct {
	Pool  *PoolService
	Users *UserService
	Local LocalPresence
	// Interval between sweeps.
	Interval time.Duration
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *ReaperService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce removes every pool member that fails the liveness check. A
// member is live if this process holds its connection or any process has a
// fresh presence marker for it; a purely local check would reap users
// connected to sibling processes.
func (s *ReaperService) SweepOnce(ctx context.Context) {
	for _, partition := range s.Pool.PartitionKeys() {
		members, err := s.Pool.Members(ctx, partition)
		if err != nil {
			log.Warn().Err(err).Str("partition", partition).Msg("reaper sweep read failed")
			continue
		}

		reaped := 0
		for _, id := range members {
			if s.Local.Has(id) {
				continue
			}
			present, err := s.Users.IsPresent(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("user", id).Msg("reaper liveness check failed")
				continue
			}
			if present {
				continue
			}
			if err := s.Pool.Leave(ctx, partition, id); err != nil {
				log.Warn().Err(err).Str("ghost", id).Msg("reaper removal failed")
				continue
			}
			reaped++
		}

		if reaped > 0 {
			log.Info().Str("partition", partition).Int("reaped", reaped).Msg("ghost entries removed")
		}
	}
}
