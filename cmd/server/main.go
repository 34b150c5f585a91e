// Package main is the entry point for the admission queue server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jawaracloud/admission-queue/internal/broker"
	"github.com/jawaracloud/admission-queue/internal/config"
	"github.com/jawaracloud/admission-queue/internal/handler"
	"github.com/jawaracloud/admission-queue/internal/metrics"
	custommw "github.com/jawaracloud/admission-queue/internal/middleware"
	"github.com/jawaracloud/admission-queue/internal/queue"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/internal/token"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var configPath string
	root := &cobra.Command{
		Use:          "admission-server",
		Short:        "Waiting room admission queue server",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, newLogger(cfg.Log))
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.WithField("backend", cfg.Store.Backend).Info("queue store ready")

	codec, err := token.NewCodec(cfg.Token.Secret, token.WithTTL(cfg.Token.TTL))
	if err != nil {
		return errors.Wrap(err, "token codec")
	}

	var publisher broker.Publisher = broker.NoopPublisher{}
	if cfg.NATS.URL != "" {
		nats, err := broker.NewNATSPublisher(broker.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Source:  "admission-server",
		}, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		publisher = nats
		logger.WithField("url", cfg.NATS.URL).Info("publishing queue events to nats")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	engine := queue.NewEngine(store, codec,
		queue.WithKeyPrefix(cfg.Store.KeyPrefix),
		queue.WithPublisher(publisher),
		queue.WithMetrics(m),
		queue.WithLogger(logger),
	)

	scheduler := queue.NewScheduler(engine, queue.SchedulerConfig{
		Enabled:      cfg.Scheduler.Enabled,
		InitialDelay: cfg.Scheduler.InitialDelay,
		Interval:     cfg.Scheduler.Interval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, logger, m)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	h := handler.NewHandler(engine, handler.HandlerConfig{
		TokenTTL:  codec.TTL(),
		Scheduler: scheduler,
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(custommw.Recovery(logger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(custommw.Logger(logger))
	r.Use(custommw.CORS([]string{"*"}))

	r.Route("/api/v1", h.RegisterRoutes)
	h.RegisterPages(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := storage.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewRedisStore(client, storage.WithOpTimeout(cfg.Store.OpTimeout))
		return store, func() { _ = client.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}
