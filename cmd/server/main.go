package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/motopoint/internal/accounts"
	"github.com/example/motopoint/internal/config"
	"github.com/example/motopoint/internal/dispatch"
	httpapi "github.com/example/motopoint/internal/http"
	"github.com/example/motopoint/internal/ingest"
	"github.com/example/motopoint/internal/logging"
	"github.com/example/motopoint/internal/matcher"
	"github.com/example/motopoint/internal/storage"
	"github.com/example/motopoint/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store
		checks []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return err
			}
			logger.Info("migration applied", "file", "001_init.sql")
		}
		store = ps
		checks = append(checks, ps.Ping)
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	hub := dispatch.NewHub(logger)
	defer hub.Close()

	var (
		rc    *redis.Client
		sinks []dispatch.Sink
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		// every replica, this one included, hears its own events back through the relay
		sinks = append(sinks, dispatch.Sink{Name: "redis", Publisher: &dispatch.RedisPublisher{Client: rc, Channel: cfg.RedisEventsChannel}})
		relay := &dispatch.RedisRelay{Client: rc, Channel: cfg.RedisEventsChannel, Sink: hub, Logger: logger}
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
	} else {
		sinks = append(sinks, dispatch.Sink{Name: "ws", Publisher: hub})
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, dispatch.Sink{Name: "kafka", Publisher: kp})
	}

	engine := &matcher.Engine{Store: store, Publisher: dispatch.NewFanout(sinks...), Logger: logger}

	sw := &sweeper.Sweeper{Expirer: engine, TTL: cfg.RideTTL(), Lease: cfg.SweepInterval() / 2, Logger: logger}
	if rc != nil {
		sw.Locker = &sweeper.RedisLocker{Client: rc, Key: cfg.RedisSweepLockKey, Owner: uuid.NewString()}
	}
	sched, err := sweeper.NewScheduler(sw, cfg.SweepInterval(), logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := httpapi.NewServer(httpapi.Options{
		Engine:   engine,
		Accounts: &accounts.Provisioner{Store: store, Logger: logger},
		Hub:      hub,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("motopoint listening", "addr", cfg.HTTPAddr, "ride_ttl", cfg.RideTTL().String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
