package socket

import (
	"context"
	"errors"
	"time"

	"animochat_server/models"
	"animochat_server/services"

	socketio "github.com/googollee/go-socket.io"

	"github.com/rs/zerolog/log"
)

// Gateway binds socket events to the matchmaking and session services. It
// owns no state of its own beyond the registry; every handler reads and
// writes through the shared store so any process can serve any event.
type Gateway struct {
	Registry *Registry
	Users    *services.UserService
	Rooms    *services.RoomService
	Match    *services.MatchService
	// SearchTimeout caps one find-match call end to end.
	SearchTimeout time.Duration
}

// NewServer builds the socket.io server and wires the event table.
func NewServer(g *Gateway) *socketio.Server {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		ctx, cancel := g.opCtx()
		defer cancel()

		g.Registry.Add(s)
		if err := g.Users.SaveUser(ctx, s.ID()); err != nil {
			log.Error().Err(err).Str("user", s.ID()).Msg("failed to register connection")
			g.Registry.Remove(s.ID())
			return err
		}
		log.Info().Str("user", s.ID()).Msg("socket connected")
		return nil
	})

	server.OnEvent("/", models.EventMatchFind, func(s socketio.Conn) {
		// Searching sleeps between attempts; never block the event loop.
		go g.findMatch(s)
	})

	server.OnEvent("/", models.EventMessageSend, func(s socketio.Conn, msg models.SendMessagePayload) {
		ctx, cancel := g.opCtx()
		defer cancel()

		// Relayed inline so one sender's messages keep their order.
		if err := g.Rooms.SendMessage(ctx, s.ID(), msg.RoomID, msg.Content); err != nil {
			g.emitError(s, err)
		}
	})

	server.OnEvent("/", models.EventUserTyping, func(s socketio.Conn, t models.TypingPayload) {
		ctx, cancel := g.opCtx()
		defer cancel()

		if err := g.Rooms.SendTyping(ctx, s.ID(), t.RoomID, t.IsTyping); err != nil {
			g.emitError(s, err)
		}
	})

	server.OnEvent("/", models.EventMatchSkip, func(s socketio.Conn) {
		go func() {
			ctx, cancel := g.opCtx()
			if err := g.Rooms.Skip(ctx, s.ID()); err != nil {
				g.emitError(s, err)
				cancel()
				return
			}
			cancel()
			// Skipping rolls straight into the next search.
			g.findMatch(s)
		}()
	})

	server.OnEvent("/", models.EventMatchLeave, func(s socketio.Conn) {
		go func() {
			ctx, cancel := g.opCtx()
			defer cancel()
			if err := g.Rooms.Leave(ctx, s.ID()); err != nil {
				g.emitError(s, err)
			}
		}()
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		id := "unknown"
		if s != nil {
			id = s.ID()
		}
		log.Warn().Err(err).Str("user", id).Msg("socket error")
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		ctx, cancel := g.opCtx()
		defer cancel()

		g.Registry.Remove(s.ID())
		if err := g.Rooms.HandleDisconnect(ctx, s.ID()); err != nil {
			log.Warn().Err(err).Str("user", s.ID()).Msg("disconnect cleanup failed")
		}
		log.Info().Str("user", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	return server
}

func (g *Gateway) findMatch(s socketio.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), g.SearchTimeout)
	defer cancel()

	id := s.ID()

	// Disconnect aborts the search through the registry; without this a
	// search finishing after the disconnect scrub could re-enqueue a dead id.
	done := g.Registry.BeginSearch(id, cancel)
	defer done()

	// Searching while paired means an implicit leave first.
	user, err := g.Users.GetUser(ctx, id)
	if err == nil && user != nil && user.CurrentRoomID != "" {
		if err := g.Rooms.Leave(ctx, id); err != nil {
			log.Warn().Err(err).Str("user", id).Msg("implicit leave before search failed")
		}
	}

	result, err := g.Match.FindMatch(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller gave up or disconnected mid-search; nothing to report.
			return
		}
		log.Error().Err(err).Str("user", id).Msg("matchmaking failed")
		g.emitError(s, errors.New("no match found, try again"))
		return
	}
	if !result.Matched {
		// Enqueued; a later searcher will pair with us.
		s.Emit(models.EventMatchWaiting)
	}
}

func (g *Gateway) emitError(s socketio.Conn, err error) {
	s.Emit(models.EventError, models.ErrorPayload{Message: err.Error()})
}

func (g *Gateway) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
