package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"animochat_server/config"
	"animochat_server/routes"
	"animochat_server/services"
	"animochat_server/socket"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared store.
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connecting to redis")
	redisService := &services.RedisService{Pool: services.NewRedisPool(cfg.Redis)}
	if err := redisService.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis is unreachable")
	}

	// Services.
	userService := &services.UserService{
		Redis:       redisService,
		IdentityTTL: cfg.Session.IdentityTTL,
		PresenceTTL: cfg.Reaper.PresenceTTL,
	}
	poolService := &services.PoolService{
		Redis:      redisService,
		Partitions: cfg.Pool.Partitions,
	}
	compatService := &services.CompatService{
		Redis:      redisService,
		HistoryTTL: cfg.Match.HistoryTTL,
	}

	registry := socket.NewRegistry(userService, cfg.Reaper.PresenceTTL/3)
	processID := uuid.NewString()
	broadcastService := services.NewBroadcastService(redisService, registry, processID)
	registry.Broadcast = broadcastService

	roomService := &services.RoomService{
		Redis:        redisService,
		Users:        userService,
		Pool:         poolService,
		Compat:       compatService,
		Broadcast:    broadcastService,
		SkipCooldown: cfg.Session.SkipCooldown,
		RoomTTL:      cfg.Session.IdentityTTL,
		ClaimTTL:     cfg.Session.ClaimTTL,
	}
	matchService := &services.MatchService{
		Redis:            redisService,
		Users:            userService,
		Pool:             poolService,
		Compat:           compatService,
		Rooms:            roomService,
		Local:            registry,
		MaxAttempts:      cfg.Match.MaxAttempts,
		RetryDelay:       cfg.Match.RetryDelay,
		BypassScoreAfter: cfg.Match.BypassScoreAfter,
		LockTTL:          cfg.Match.LockTTL,
	}
	reaperService := &services.ReaperService{
		Pool:     poolService,
		Users:    userService,
		Local:    registry,
		Interval: cfg.Reaper.Interval,
	}

	// Socket gateway.
	gateway := &socket.Gateway{
		Registry:      registry,
		Users:         userService,
		Rooms:         roomService,
		Match:         matchService,
		SearchTimeout: cfg.Match.SearchTimeout,
	}
	server := socket.NewServer(gateway)
	go func() {
		if err := server.Serve(); err != nil {
			log.Fatal().Err(err).Msg("socket server stopped")
		}
	}()
	defer server.Close()

	// Background loops: cross-process fan-out, presence refresh, ghost sweep.
	go func() {
		if err := broadcastService.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("broadcast subscription stopped")
		}
	}()
	go registry.Run(ctx)
	go reaperService.Run(ctx)

	// HTTP surface.
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintln(w, "Welcome to AnimoChat")
	}).Methods("GET")
	routes.RegisterHealthRoutes(r, redisService)
	routes.RegisterStatsRoutes(r, poolService, userService)
	r.PathPrefix("/socket.io/").Handler(server)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(r)

	log.Info().Str("addr", cfg.Addr).Str("process", processID).Msg("starting server")
	if err := http.ListenAndServe(cfg.Addr, corsHandler); err != nil {
		log.Fatal().Err(err).Msg("http server stopped")
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
