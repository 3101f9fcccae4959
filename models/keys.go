package models

import (
	"fmt"
	"sort"
)

// Key layout in the shared store. Everything cross-process lives behind these
// builders; nothing else in the codebase spells a raw key.
const (
	// OnlineUsersKey is the set of all connected identities across processes.
	OnlineUsersKey = "users:online"

	// BroadcastChannel carries the cross-process fan-out envelopes.
	BroadcastChannel = "animochat:events"
)

// UserKey holds the identity hash for one connection.
func UserKey(id string) string { return "user:" + id }

// RoomKey holds the session hash for one pairing.
func RoomKey(id string) string { return "room:" + id }

// PresenceKey is an expiring heartbeat marker proving the identity's owning
// process still sees it connected. Liveness checks from other processes go
// through this key.
func PresenceKey(id string) string { return "presence:" + id }

// CooldownKey marks an identity that just skipped and should not be drawn as
// a candidate until the marker expires.
func CooldownKey(id string) string { return "cooldown:" + id }

// PoolPartitionKey names one shard of the waiting pool. Partitions are
// numbered from 1 to match the queue:room1..N convention.
func PoolPartitionKey(i int) string { return fmt.Sprintf("queue:room%d", i+1) }

// SessionClaimKey is an atomic per-identity claim taken while pairing the
// identity into a session. Two searchers holding different pairwise locks
// can still race over one shared identity; the claim is what makes that
// race lose cleanly. Released at teardown and expiring shortly after the
// pairing window either way, so a crashed pairer cannot wedge a live
// identity.
func SessionClaimKey(id string) string { return "insession:" + id }

// MatchCountKey is the expiring per-ordered-pair rematch counter.
func MatchCountKey(id, partnerID string) string {
	return "match:count:" + id + ":" + partnerID
}

// PairLockKey is the short-lived mutual-exclusion key over a candidate pair.
// The ids are sorted so both racing sides compute the same key.
func PairLockKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "lock:match:" + pair[0] + ":" + pair[1]
}
