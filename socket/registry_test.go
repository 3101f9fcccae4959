package socket

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"animochat_server/models"
	"animochat_server/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emittedEvent struct {
	Event string
	Args  []interface{}
}

// fakeConn satisfies socketio.Conn while recording every emit.
type fakeConn struct {
	id  string
	ctx interface{}

	mu     sync.Mutex
	events []emittedEvent
}

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) Close() error               { return nil }
func (c *fakeConn) URL() url.URL               { return url.URL{} }
func (c *fakeConn) LocalAddr() net.Addr        { return nil }
func (c *fakeConn) RemoteAddr() net.Addr       { return nil }
func (c *fakeConn) RemoteHeader() http.Header  { return http.Header{} }
func (c *fakeConn) Context() interface{}       { return c.ctx }
func (c *fakeConn) SetContext(ctx interface{}) { c.ctx = ctx }
func (c *fakeConn) Namespace() string          { return "/" }
func (c *fakeConn) Join(room string)           {}
func (c *fakeConn) Leave(room string)          {}
func (c *fakeConn) LeaveAll()                  {}
func (c *fakeConn) Rooms() []string            { return nil }

func (c *fakeConn) Emit(event string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emittedEvent{Event: event, Args: args})
}

func (c *fakeConn) emitted() []emittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emittedEvent(nil), c.events...)
}

func newTestRegistry(t *testing.T) (*Registry, *services.UserService, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	pool := &redis.Pool{
		MaxIdle: 2,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", m.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })

	rs := &services.RedisService{Pool: pool}
	users := &services.UserService{Redis: rs, IdentityTTL: time.Hour, PresenceTTL: time.Minute}
	reg := NewRegistry(users, 10*time.Millisecond)
	reg.Broadcast = services.NewBroadcastService(rs, reg, "proc-test")
	return reg, users, m
}

func TestRegistryMembership(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	assert.False(t, reg.Has("c1"))
	assert.Zero(t, reg.Count())

	reg.Add(&fakeConn{id: "c1"})
	reg.Add(&fakeConn{id: "c2"})
	assert.True(t, reg.Has("c1"))
	assert.Equal(t, 2, reg.Count())

	reg.Remove("c1")
	assert.False(t, reg.Has("c1"))
	assert.Equal(t, 1, reg.Count())
}

func TestDeliverToAbsentConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	assert.False(t, reg.Deliver("nobody", models.EventMessageReceive, nil))
}

func TestDeliverEmitsToConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	conn := &fakeConn{id: "c1"}
	reg.Add(conn)

	payload := models.MessagePayload{ID: "m1", SenderID: "c2", Content: "hi"}
	require.True(t, reg.Deliver("c1", models.EventMessageReceive, payload))

	events := conn.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageReceive, events[0].Event)
	require.Len(t, events[0].Args, 1)
	assert.Equal(t, payload, events[0].Args[0])

	// A nil payload emits the bare event, not a nil argument.
	require.True(t, reg.Deliver("c1", models.EventPartnerLeft, nil))
	events = conn.emitted()
	require.Len(t, events, 2)
	assert.Empty(t, events[1].Args)
}

func TestDeliverMatchSuccessJoinsGroup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	conn := &fakeConn{id: "c1"}
	reg.Add(conn)

	// As it arrives from a sibling process: raw JSON on the envelope.
	payload := []byte(`{"roomId":"room-1","partnerId":"Stranger"}`)
	require.True(t, reg.Deliver("c1", models.EventMatchSuccess, payload))

	assert.Equal(t, []string{"c1"}, reg.Broadcast.LocalGroupMembers("room-1"))
}

func TestDeliverPartnerLeftLeavesGroups(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	conn := &fakeConn{id: "c1"}
	reg.Add(conn)
	reg.Broadcast.JoinGroup("c1", "room-1")

	require.True(t, reg.Deliver("c1", models.EventPartnerLeft, nil))
	assert.Empty(t, reg.Broadcast.LocalGroupMembers("room-1"))
}

func TestRemoveAbortsInFlightSearch(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.Add(&fakeConn{id: "c1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := reg.BeginSearch("c1", cancel)
	defer done()

	reg.Remove("c1")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("search context still live after remove")
	}
}

func TestNewSearchReplacesOlderOne(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := reg.BeginSearch("c1", cancel1)

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := reg.BeginSearch("c1", cancel2)
	defer done2()

	select {
	case <-ctx1.Done():
	default:
		t.Fatal("older search still live after being replaced")
	}

	// The replaced search's cleanup must not untrack the newer one.
	done1()
	reg.Remove("c1")
	select {
	case <-ctx2.Done():
	default:
		t.Fatal("newer search still live after remove")
	}
}

func TestRunKeepsPresenceFresh(t *testing.T) {
	reg, users, _ := newTestRegistry(t)
	reg.Add(&fakeConn{id: "c1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	require.Eventually(t, func() bool {
		present, err := users.IsPresent(context.Background(), "c1")
		return err == nil && present
	}, 5*time.Second, 10*time.Millisecond)
}
