package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"go-pairchat/internal/api"
	"go-pairchat/internal/auth"
	"go-pairchat/internal/config"
	"go-pairchat/internal/db"
	"go-pairchat/internal/fanout"
	"go-pairchat/internal/gateway"
	"go-pairchat/internal/ledger"
	"go-pairchat/internal/logger"
	"go-pairchat/internal/message"
	"go-pairchat/internal/metrics"
	myMiddleware "go-pairchat/internal/middleware"
	"go-pairchat/internal/payment"
	"go-pairchat/internal/presence"
	"go-pairchat/internal/room"
	"go-pairchat/internal/session"
	"go-pairchat/internal/store"
	"go-pairchat/internal/store/memory"
	"go-pairchat/internal/store/postgres"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	addr := flag.String("addr", cfg.HTTPAddr, "http service address")
	flag.Parse()
	cfg.HTTPAddr = *addr

	logger.Init(cfg.Env)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	sessions := session.New(session.OnEvict(func(evicted session.Session) {
		metrics.SessionEvictions.Inc()
		log.Info().Str("user_id", evicted.UserID).Str("conn_id", evicted.ConnectionID).Msg("session replaced")
	}))

	local := fanout.NewLocalBus(sessions)
	var (
		bus         fanout.Publisher = local
		redisClient *redis.Client
		trackerOpts []presence.Option
		gatewayOpts []gateway.Option
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		relay := fanout.NewRedisBus(redisClient, cfg.RedisChannel, local)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("redis relay stopped")
			}
		}()
		bus = relay
		owners := fanout.NewRedisOwners(redisClient, cfg.RedisChannel)
		trackerOpts = append(trackerOpts, presence.WithOwners(owners))
		gatewayOpts = append(gatewayOpts, gateway.WithOwners(owners))
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("fan-out over redis")
	}

	tracker := presence.NewTracker(st, sessions, trackerOpts...)
	if cfg.ResetPresence {
		// Nobody is connected to a process that just started.
		n, err := tracker.ResetAll(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("reset presence")
		}
		log.Info().Int64("users", n).Msg("presence reset")
	}

	rooms := room.NewResolver(st)
	credits := ledger.New(st, payment.NewStaticAuthorizer(cfg.TopUpAmount, cfg.PaymentTestTokens...))
	pipeline := message.NewPipeline(st, rooms, credits, bus, message.Config{
		Cost:         cfg.MessageCost,
		HistoryLimit: cfg.HistoryLimit,
	})
	dispatcher := gateway.NewDispatcher(sessions, tracker, rooms, pipeline, credits, bus, gatewayOpts...)
	wsHandler := gateway.NewHandler(dispatcher, cfg.EventRate, cfg.EventBurst)
	apiHandler := api.NewHandler(rooms, pipeline, credits, sessions, bus)

	tokens := auth.NewService(cfg.JWTSecret)
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", wsHandler.ServeWs)
		apiHandler.Routes(r)
	})
	r.With(myMiddleware.AdminToken(cfg.AdminToken)).Get("/api/admin/sessions", apiHandler.ListSessions)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				// Hijacked websockets are not tracked by Shutdown.
				err := srv.Shutdown(ctx)
				for _, userID := range sessions.All() {
					if s, ok := sessions.Lookup(userID); ok {
						s.Conn.Close()
					}
				}
				cancel()
				if redisClient != nil {
					err = errors.Join(err, redisClient.Close())
				}
				return errors.Join(err, closeStore())
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}

// openStore builds the configured persistence backend and its closer.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func() error, error) {
	if cfg.StoreDriver == "memory" {
		return memory.New(memory.WithAutoProvision(cfg.StartingCredits)), func() error { return nil }, nil
	}

	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := database.AutoMigrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return postgres.NewRepository(database.Conn), database.Close, nil
}
