package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
)

func newTestRedis(t *testing.T) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	pool := &redis.Pool{
		MaxIdle: 4,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", m.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	return &RedisService{Pool: pool}, m
}

type deliveredEvent struct {
	ConnID  string
	Event   string
	Payload interface{}
}

type groupEvent struct {
	Room    string
	Event   string
	Payload interface{}
	Exclude string
}

// fakeLocal stands in for the connection registry: a set of "connected" ids
// plus a log of everything delivered to them.
type fakeLocal struct {
	mu      sync.Mutex
	present map[string]bool
	events  []deliveredEvent
}

func newFakeLocal(ids ...string) *fakeLocal {
	f := &fakeLocal{present: make(map[string]bool)}
	for _, id := range ids {
		f.present[id] = true
	}
	return f
}

func (f *fakeLocal) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[id] = true
}

func (f *fakeLocal) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.present, id)
}

func (f *fakeLocal) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[id]
}

func (f *fakeLocal) Deliver(id, event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[id] {
		return false
	}
	f.events = append(f.events, deliveredEvent{ConnID: id, Event: event, Payload: payload})
	return true
}

func (f *fakeLocal) delivered(id string) []deliveredEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deliveredEvent
	for _, e := range f.events {
		if e.ConnID == id {
			out = append(out, e)
		}
	}
	return out
}

// fakeNotifier records what the session manager fans out without any
// transport or pub/sub behind it.
type fakeNotifier struct {
	mu       sync.Mutex
	identity []deliveredEvent
	group    []groupEvent
}

func (f *fakeNotifier) EmitToIdentity(ctx context.Context, id, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = append(f.identity, deliveredEvent{ConnID: id, Event: event, Payload: payload})
	return nil
}

func (f *fakeNotifier) EmitToGroup(ctx context.Context, room, event string, payload interface{}, exclude string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, groupEvent{Room: room, Event: event, Payload: payload, Exclude: exclude})
	return nil
}

func (f *fakeNotifier) LeaveAllGroups(id string) {}

func (f *fakeNotifier) identityEvents(id, event string) []deliveredEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deliveredEvent
	for _, e := range f.identity {
		if e.ConnID == id && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) groupEvents(room, event string) []groupEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []groupEvent
	for _, e := range f.group {
		if e.Room == room && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = nil
	f.group = nil
}

// testStack wires the full service family against one miniredis.
type testStack struct {
	redis    *RedisService
	mini     *miniredis.Miniredis
	users    *UserService
	pool     *PoolService
	compat   *CompatService
	rooms    *RoomService
	match    *MatchService
	local    *fakeLocal
	notifier *fakeNotifier
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	rs, m := newTestRedis(t)

	local := newFakeLocal()
	notifier := &fakeNotifier{}
	users := &UserService{Redis: rs, IdentityTTL: time.Hour, PresenceTTL: time.Minute}
	pool := &PoolService{Redis: rs, Partitions: 3}
	compat := &CompatService{Redis: rs, HistoryTTL: time.Hour, Roll: func() float64 { return 0 }}
	rooms := &RoomService{
		Redis:        rs,
		Users:        users,
		Pool:         pool,
		Compat:       compat,
		Broadcast:    notifier,
		SkipCooldown: 5 * time.Second,
		RoomTTL:      time.Hour,
		ClaimTTL:     30 * time.Second,
	}
	match := &MatchService{
		Redis:       rs,
		Users:       users,
		Pool:        pool,
		Compat:      compat,
		Rooms:       rooms,
		Local:       local,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		LockTTL:     2 * time.Second,
	}
	return &testStack{
		redis:    rs,
		mini:     m,
		users:    users,
		pool:     pool,
		compat:   compat,
		rooms:    rooms,
		match:    match,
		local:    local,
		notifier: notifier,
	}
}

// connect registers identities as live local connections.
func (ts *testStack) connect(t *testing.T, ctx context.Context, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := ts.users.SaveUser(ctx, id); err != nil {
			t.Fatalf("save user %s: %v", id, err)
		}
		ts.local.add(id)
	}
}

// poolEntries collects every waiting identity across all partitions.
func (ts *testStack) poolEntries(t *testing.T, ctx context.Context) []string {
	t.Helper()
	var all []string
	for _, partition := range ts.pool.PartitionKeys() {
		members, err := ts.pool.Members(ctx, partition)
		if err != nil {
			t.Fatalf("members %s: %v", partition, err)
		}
		all = append(all, members...)
	}
	return all
}
