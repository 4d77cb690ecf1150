package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/audit"
	httpapi "dispatch/internal/http"
	"dispatch/internal/jwttoken"
	orderhandler "dispatch/internal/order/handler"
	orderservice "dispatch/internal/order/service"
	orderstore "dispatch/internal/order/store"
	"dispatch/internal/platform/config"
	"dispatch/internal/platform/httpserver"
	"dispatch/internal/platform/logger"
	"dispatch/internal/platform/metrics"
	platformredis "dispatch/internal/platform/redis"
	"dispatch/internal/principal"
	"dispatch/internal/realtime"
)

// unitOfWork is satisfied by both the SQL transaction and the in-memory
// journal implementations.
type unitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	var (
		uow            unitOfWork
		orders         orderstore.Store
		auditStore     audit.Store
		principalStore principal.Store
		db             *sql.DB
	)
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return err
		}

		uow = newPostgresTx(db, cfg.TxTimeout)
		orders = orderstore.NewPostgres(db)
		auditStore = audit.NewPostgres(db)
		principalStore = principal.NewPostgres(db)
		log.Info("storage backend: postgres")
	} else {
		uow = orderservice.NewInMemoryTx()
		orders = orderstore.NewInMemory()
		auditStore = audit.NewInMemoryStore()
		principalStore = principal.NewInMemoryStore()
		log.Warn("storage backend: in-memory (no DISPATCH_POSTGRES_DSN set)")
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("redis propagation mirror enabled")
	}

	monitor := realtime.NewMonitor(realtime.DefaultRingSize)
	hubOpts := []realtime.HubOption{realtime.WithMetrics(m)}
	if redisClient != nil {
		hubOpts = append(hubOpts, realtime.WithRedis(redisClient))
	}
	hub := realtime.NewHub(log, monitor, hubOpts...)

	recorder := audit.NewRecorder(auditStore)
	principalService := principal.NewService(uow, principalStore, recorder, log)
	orderService := orderservice.NewService(uow, orders, recorder, principalService, log,
		orderservice.WithPublisher(hub),
		orderservice.WithMetrics(m),
	)

	tokens := jwttoken.NewService(cfg.JWTSigningKey, "dispatch")

	health := map[string]httpapi.HealthChecker{}
	if db != nil {
		health["postgres"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		}
	}
	if redisClient != nil {
		health["redis"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Health(ctx)
		}
	}

	router := httpapi.NewRouter(log, health,
		principal.NewHandler(principalService, tokens, tokens, log),
		orderhandler.New(orderService, tokens, log),
		audit.NewHandler(recorder, tokens, log),
		realtime.NewHandler(hub, tokens, cfg.LatencySLA, log),
	)

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if redisClient != nil {
		g.Go(func() error {
			return hub.RunRedisBridge(ctx)
		})
	}
	g.Go(func() error {
		log.Info("starting dispatch server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
