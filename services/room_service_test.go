package services

import (
	"context"
	"testing"
	"time"

	"animochat_server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairUp creates a session for a and b directly, bypassing the engine.
func pairUp(t *testing.T, ts *testStack, ctx context.Context, a, b string) string {
	t.Helper()
	ts.connect(t, ctx, a, b)
	roomID, err := ts.rooms.CreateRoom(ctx, a, b)
	require.NoError(t, err)
	ts.notifier.reset()
	return roomID
}

func TestCreateRoomRefusesBusyCandidate(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	ts.connect(t, ctx, "a", "b")

	held, err := ts.redis.TryAcquireLock(ctx, models.SessionClaimKey("b"), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = ts.rooms.CreateRoom(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrCandidateBusy)
}

func TestCreateRoomRollsBackWhenCallerBusy(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	ts.connect(t, ctx, "a", "b")

	held, err := ts.redis.TryAcquireLock(ctx, models.SessionClaimKey("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = ts.rooms.CreateRoom(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrCallerBusy)

	// The candidate's claim must not stay behind after the loss.
	claimed, err := ts.redis.MarkerExists(ctx, models.SessionClaimKey("b"))
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSendMessageRelaysToPartnerOnly(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	require.NoError(t, ts.rooms.SendMessage(ctx, "a", roomID, "  hello there  "))

	events := ts.notifier.groupEvents(roomID, models.EventMessageReceive)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Exclude)
	msg, ok := events[0].Payload.(models.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, "a", msg.SenderID)
	assert.NotEmpty(t, msg.ID)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	err := ts.rooms.SendMessage(ctx, "a", roomID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, ts.notifier.groupEvents(roomID, models.EventMessageReceive))
}

func TestSendMessageRequiresMembership(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")
	ts.connect(t, ctx, "intruder")

	err := ts.rooms.SendMessage(ctx, "intruder", roomID, "hi")
	assert.ErrorIs(t, err, ErrNotInRoom)

	err = ts.rooms.SendMessage(ctx, "a", "no-such-room", "hi")
	assert.ErrorIs(t, err, ErrNotInRoom)

	err = ts.rooms.SendMessage(ctx, "a", "", "hi")
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestSendTyping(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	require.NoError(t, ts.rooms.SendTyping(ctx, "a", roomID, true))

	events := ts.notifier.groupEvents(roomID, models.EventPartnerTyping)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Exclude)
	typing, ok := events[0].Payload.(models.PartnerTypingPayload)
	require.True(t, ok)
	assert.True(t, typing.IsTyping)
}

func TestSkipTearsDownAndCoolsSkipperOnly(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	require.NoError(t, ts.rooms.Skip(ctx, "a"))

	// Partner is told and freed; the session record is gone.
	require.Len(t, ts.notifier.identityEvents("b", models.EventPartnerLeft), 1)
	room, err := ts.rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, room)

	for _, id := range []string{"a", "b"} {
		user, err := ts.users.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, user.CurrentRoomID, "room pointer for %s", id)

		claimed, err := ts.redis.MarkerExists(ctx, models.SessionClaimKey(id))
		require.NoError(t, err)
		assert.False(t, claimed, "claim for %s", id)
	}

	// Only the skipper cools down; the skipped side may search at once.
	cooling, err := ts.users.InCooldown(ctx, "a")
	require.NoError(t, err)
	assert.True(t, cooling)
	cooling, err = ts.users.InCooldown(ctx, "b")
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestLeaveHasNoCooldown(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	require.NoError(t, ts.rooms.Leave(ctx, "a"))

	room, err := ts.rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, room)
	require.Len(t, ts.notifier.identityEvents("b", models.EventPartnerLeft), 1)

	cooling, err := ts.users.InCooldown(ctx, "a")
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestLeaveWithoutRoomIsNoop(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	ts.connect(t, ctx, "a")

	require.NoError(t, ts.rooms.Leave(ctx, "a"))
	assert.Empty(t, ts.notifier.identity)
}

func TestHandleDisconnectCleansEverything(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	roomID := pairUp(t, ts, ctx, "a", "b")

	// A waiting entry must not outlive the connection either.
	_, err := ts.pool.JoinRandom(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, ts.rooms.HandleDisconnect(ctx, "a"))

	require.Len(t, ts.notifier.identityEvents("b", models.EventPartnerLeft), 1)
	room, err := ts.rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, room)

	user, err := ts.users.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Empty(t, ts.poolEntries(t, ctx))

	// The partner's record survives, detached from the dead session.
	partner, err := ts.users.GetUser(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, partner)
	assert.Empty(t, partner.CurrentRoomID)
}

func TestSkipperAvoidsSkippedPartnerUntilCooldownLapses(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	pairUp(t, ts, ctx, "a", "b")

	require.NoError(t, ts.rooms.Skip(ctx, "a"))

	// The skipped side searches immediately and waits.
	result, err := ts.match.FindMatch(ctx, "b")
	require.NoError(t, err)
	require.False(t, result.Matched)

	// The skipper may search at once, but while cooling they never draw the
	// partner they just skipped; b's entry survives for other searchers.
	result, err = ts.match.FindMatch(ctx, "a")
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.ElementsMatch(t, []string{"a", "b"}, ts.poolEntries(t, ctx))

	// Once the cooldown lapses the pair may meet again.
	ts.mini.FastForward(6 * time.Second)
	result, err = ts.match.FindMatch(ctx, "a")
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "b", result.PartnerID)
}
