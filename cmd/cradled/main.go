// Command cradled runs the Cradle Container Platform's lifecycle
// dispatcher: it loads configuration, wires an interior registry, an
// event bus, an audit recorder, and a token validator, and serves the
// resulting [dispatch.Dispatcher] over HTTP until signaled to stop.
//
// Run with:
//
//	go run ./cmd/cradled
//
// Configuration is loaded from CRADLED_-prefixed environment variables;
// see [daemonConfig] for the full set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cradlesystems/cradle-core/pkg/audit"
	"github.com/cradlesystems/cradle-core/pkg/auth"
	"github.com/cradlesystems/cradle-core/pkg/clients/minio"
	"github.com/cradlesystems/cradle-core/pkg/clients/postgres"
	"github.com/cradlesystems/cradle-core/pkg/config"
	"github.com/cradlesystems/cradle-core/pkg/dispatch"
	"github.com/cradlesystems/cradle-core/pkg/interior"
	"github.com/cradlesystems/cradle-core/pkg/interior/fake"
	"github.com/cradlesystems/cradle-core/pkg/interior/process"
	"github.com/cradlesystems/cradle-core/pkg/pubsub"
	"github.com/cradlesystems/cradle-core/pkg/pubsub/local"
	pubsubredis "github.com/cradlesystems/cradle-core/pkg/pubsub/redis"
	"github.com/cradlesystems/cradle-core/pkg/registry"
)

// daemonConfig holds every setting cradled loads from CRADLED_-prefixed
// environment variables. The nested structs (Postgres, Redis, Minio,
// Auth) carry their own fully-qualified env tags, so the daemon's prefix
// is the only one applied.
type daemonConfig struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8443"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"cradled"`

	// EnableProcessInterior registers the "process" interior kind
	// (supervised OS subprocess, backed by object storage for images)
	// in addition to the always-registered "fake" kind. It requires
	// Minio to be reachable.
	EnableProcessInterior bool          `env:"ENABLE_PROCESS_INTERIOR" envDefault:"false"`
	ProcessBaseDir        string        `env:"PROCESS_BASE_DIR" envDefault:"/var/lib/cradle/containers"`
	ProcessStopGrace      time.Duration `env:"PROCESS_STOP_GRACE" envDefault:"10s"`

	// UsePostgresAudit switches the audit recorder from an in-process
	// map to a [audit.PostgresRecorder]. UseRedisBus switches the event
	// bus from an in-process [pubsub/local.Bus] to [pubsub/redis.Bus]
	// so events reach subscribers in other processes.
	UsePostgresAudit bool `env:"USE_POSTGRES_AUDIT" envDefault:"false"`
	UseRedisBus      bool `env:"USE_REDIS_BUS" envDefault:"false"`

	Postgres postgres.Config
	Redis    redisConfig
	Minio    minio.Config
	Auth     auth.ValidatorConfig
}

// redisConfig holds the subset of settings cradled needs to dial
// go-redis directly for pub/sub (PUBLISH/SUBSCRIBE), which wants a
// *goredis.Client rather than a narrower key-value wrapper.
type redisConfig struct {
	URI      string `env:"REDIS_URI"`
	Host     string `env:"REDIS_HOST" envDefault:"redis.databases.svc.cluster.local"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Password string `env:"REDIS_PASSWORD"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.MustLoad[daemonConfig](config.New().WithEnvPrefix("CRADLED"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("cradled: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg daemonConfig, logger *slog.Logger) error {
	bus, closeBus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	recorder, closeRecorder, err := buildRecorder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRecorder()

	factories, err := buildInteriors(ctx, cfg, logger)
	if err != nil {
		return err
	}

	validator, err := auth.NewJWTValidator(cfg.Auth)
	if err != nil {
		return err
	}

	reg := registry.New(factories, bus, recorder, logger)

	dispatcher := dispatch.New(reg, validator,
		dispatch.WithBus(bus),
		dispatch.WithLogger(logger),
		dispatch.WithServiceName(cfg.ServiceName),
	)

	handler := otelhttp.NewHandler(dispatcher.Handler(), cfg.ServiceName)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("cradled: listening", "addr", cfg.ListenAddr, "service", cfg.ServiceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("cradled: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildBus returns the configured [pubsub.Bus] and a cleanup function.
// The cleanup function is always safe to call, even if bus construction
// returned an error path that never reached it (buildBus returns before
// that happens).
func buildBus(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (pubsub.Bus, func(), error) {
	if !cfg.UseRedisBus {
		bus := local.New()
		return bus, func() { _ = bus.Close() }, nil
	}

	var opts *goredis.Options
	if cfg.Redis.URI != "" {
		var err error
		opts, err = goredis.ParseURL(cfg.Redis.URI)
		if err != nil {
			return nil, func() {}, err
		}
	} else {
		opts = &goredis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, func() {}, err
	}

	bus := pubsubredis.New(client)
	logger.Info("cradled: using redis event bus", "addr", opts.Addr)
	return bus, func() { _ = bus.Close(); _ = client.Close() }, nil
}

// buildRecorder returns the configured [audit.Recorder] and a cleanup
// function.
func buildRecorder(ctx context.Context, cfg daemonConfig) (audit.Recorder, func(), error) {
	if !cfg.UsePostgresAudit {
		return audit.NewMemoryRecorder(), func() {}, nil
	}

	client, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, func() {}, err
	}
	return audit.NewPostgresRecorder(client), func() { _ = client.Close() }, nil
}

// buildInteriors assembles the [interior.Registry] new containers are
// resolved against. "fake" is always available (it needs no external
// dependency); "process" is registered only when EnableProcessInterior
// is set, since it requires a reachable Minio endpoint for images.
func buildInteriors(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (interior.Registry, error) {
	factories := interior.Registry{
		"fake": fake.NewFactory(),
	}

	if !cfg.EnableProcessInterior {
		return factories, nil
	}

	minioClient, err := minio.NewClient(ctx, cfg.Minio)
	if err != nil {
		return nil, err
	}
	bucket := cfg.Minio.HealthBucket
	if bucket == "" {
		bucket = "cradle-images"
	}
	stopGrace := cfg.ProcessStopGrace
	if stopGrace <= 0 {
		stopGrace = process.DefaultStopGrace
	}
	factories["process"] = process.NewFactory(minioClient, bucket, cfg.ProcessBaseDir, stopGrace)
	logger.Info("cradled: process interior enabled", "bucket", bucket, "base_dir", cfg.ProcessBaseDir)

	return factories, nil
}
