package socket

import (
	"context"
	"sync"
	"time"

	"animochat_server/models"
	"animochat_server/services"

	socketio "github.com/googollee/go-socket.io"

	"github.com/rs/zerolog/log"
)

// Registry maps connection ids to this process's live socket handles. It is
// the only component that touches the transport directly: the broadcaster
// delivers through it, matchmaking and the reaper ask it about local
// liveness, and it keeps the shared presence markers fresh for everyone
// connected here.
type Registry struct {
	// Broadcast is wired in after construction; the broadcaster needs the
	// registry as its local deliverer and vice versa.
	Broadcast *services.BroadcastService
	Users     *services.UserService
	// HeartbeatEvery is how often local presence markers are refreshed; it
	// must be comfortably below the presence TTL.
	HeartbeatEvery time.Duration

	mu       sync.RWMutex
	conns    map[string]socketio.Conn
	searches map[string]*context.CancelFunc
}

func NewRegistry(users *services.UserService, heartbeatEvery time.Duration) *Registry {
	return &Registry{
		Users:          users,
		HeartbeatEvery: heartbeatEvery,
		conns:          make(map[string]socketio.Conn),
		searches:       make(map[string]*context.CancelFunc),
	}
}

func (r *Registry) Add(conn socketio.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Remove drops the connection and aborts its in-flight search, if any, so a
// search outliving its socket cannot re-enqueue a dead identity.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	if cancel := r.searches[id]; cancel != nil {
		(*cancel)()
		delete(r.searches, id)
	}
}

// BeginSearch tracks the cancel func of an in-flight search. A newer search
// for the same identity aborts the older one, so at most one search per
// connection is ever live. The returned func untracks this search and is safe
// to call after a replacement took over.
func (r *Registry) BeginSearch(id string, cancel context.CancelFunc) func() {
	handle := &cancel
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.searches[id]; prev != nil {
		(*prev)()
	}
	r.searches[id] = handle

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.searches[id] == handle {
			delete(r.searches, id)
		}
	}
}

func (r *Registry) get(id string) socketio.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Has reports whether the connection lives on this process.
func (r *Registry) Has(id string) bool {
	return r.get(id) != nil
}

// Count is the number of connections on this process.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Deliver emits an event to a local connection, reporting false when the
// connection is not here. Session membership side effects ride on delivery
// so a partner matched by another process still joins its local group: a
// match:success joins the new room's broadcast group, a partner:left leaves
// every group.
func (r *Registry) Deliver(id, event string, payload interface{}) bool {
	conn := r.get(id)
	if conn == nil {
		return false
	}

	switch event {
	case models.EventMatchSuccess:
		if matched, ok := models.DecodeMatched(payload); ok {
			r.Broadcast.JoinGroup(id, matched.RoomID)
		}
	case models.EventPartnerLeft:
		r.Broadcast.LeaveAllGroups(id)
	}

	if payload == nil {
		conn.Emit(event)
	} else {
		conn.Emit(event, payload)
	}
	return true
}

// Run refreshes presence markers for every local connection until ctx is
// cancelled, so other processes keep seeing them as live.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.ids() {
				if err := r.Users.Heartbeat(ctx, id); err != nil {
					log.Warn().Err(err).Str("user", id).Msg("presence heartbeat failed")
				}
			}
		}
	}
}
