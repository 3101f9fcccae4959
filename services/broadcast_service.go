package services

import (
	"context"
	"encoding/json"
	"sync"

	"animochat_server/models"

	"github.com/rs/zerolog/log"
)

// LocalPresence answers whether a connection lives on this process.
type LocalPresence interface {
	Has(id string) bool
}

// LocalDeliverer hands an event to a connection on this process. Deliver
// reports false when the connection is not local.
type LocalDeliverer interface {
	LocalPresence
	Deliver(id, event string, payload interface{}) bool
}

// Notifier is the session-facing slice of the broadcaster, split out so the
// session manager can be tested with a recording fake.
type Notifier interface {
	EmitToIdentity(ctx context.Context, id, event string, payload interface{}) error
	EmitToGroup(ctx context.Context, room, event string, payload interface{}, exclude string) error
	LeaveAllGroups(id string)
}

// envelope is the wire format on the broadcast channel. Origin lets a
// process drop its own echoes so no recipient is served twice; Target
// addresses a single identity wherever it is connected, Room fans out to a
// session's members.
type envelope struct {
	Origin  string          `json:"origin"`
	Target  string          `json:"target,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
}

// BroadcastService relays session events across processes. Local members of
// a group are served directly through the registry; everything is also
// published on the shared channel so the processes holding the other members
// deliver to theirs.
type BroadcastService struct {
	Redis *RedisService
	Local LocalDeliverer
	// ProcessID tags published envelopes; each instance ignores envelopes
	// carrying its own id.
	ProcessID string

	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

func NewBroadcastService(redis *RedisService, local LocalDeliverer, processID string) *BroadcastService {
	return &BroadcastService{
		Redis:     redis,
		Local:     local,
		ProcessID: processID,
		groups:    make(map[string]map[string]struct{}),
	}
}

// JoinGroup adds a local connection to a session's broadcast group.
func (s *BroadcastService) JoinGroup(connID, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[room]
	if !ok {
		members = make(map[string]struct{})
		s.groups[room] = members
	}
	members[connID] = struct{}{}
}

// LeaveGroup removes a local connection from a session's broadcast group.
func (s *BroadcastService) LeaveGroup(connID, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(connID, room)
}

// LeaveAllGroups removes a local connection from every group it joined.
func (s *BroadcastService) LeaveAllGroups(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room := range s.groups {
		s.dropLocked(connID, room)
	}
}

func (s *BroadcastService) dropLocked(connID, room string) {
	members, ok := s.groups[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.groups, room)
	}
}

// LocalGroupMembers lists this process's members of a session group.
func (s *BroadcastService) LocalGroupMembers(room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]string, 0, len(s.groups[room]))
	for id := range s.groups[room] {
		members = append(members, id)
	}
	return members
}

// EmitToGroup delivers an event to every member of a session except
// exclude, across all processes, exactly once per recipient.
func (s *BroadcastService) EmitToGroup(ctx context.Context, room, event string, payload interface{}, exclude string) error {
	for _, id := range s.LocalGroupMembers(room) {
		if id == exclude {
			continue
		}
		s.Local.Deliver(id, event, payload)
	}
	return s.publish(ctx, envelope{Room: room, Event: event, Exclude: exclude}, payload)
}

// EmitToIdentity delivers an event to one identity wherever it is
// connected. Local connections are served directly and nothing is
// published, so the owning process never sees a duplicate.
func (s *BroadcastService) EmitToIdentity(ctx context.Context, id, event string, payload interface{}) error {
	if s.Local.Deliver(id, event, payload) {
		return nil
	}
	return s.publish(ctx, envelope{Target: id, Event: event}, payload)
}

func (s *BroadcastService) publish(ctx context.Context, env envelope, payload interface{}) error {
	env.Origin = s.ProcessID
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, models.BroadcastChannel, data)
}

// Run subscribes to the broadcast channel and delivers foreign envelopes to
// local connections until ctx is cancelled.
func (s *BroadcastService) Run(ctx context.Context) error {
	return s.Redis.Subscribe(ctx, models.BroadcastChannel, s.handleEnvelope)
}

func (s *BroadcastService) handleEnvelope(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("dropping malformed broadcast envelope")
		return
	}
	if env.Origin == s.ProcessID {
		// Our own publish; local members were already served.
		return
	}

	var payload interface{}
	if len(env.Payload) > 0 {
		payload = env.Payload
	}

	if env.Target != "" {
		if s.Local.Has(env.Target) {
			s.Local.Deliver(env.Target, env.Event, payload)
		}
		return
	}
	for _, id := range s.LocalGroupMembers(env.Room) {
		if id == env.Exclude {
			continue
		}
		s.Local.Deliver(id, env.Event, payload)
	}
}
