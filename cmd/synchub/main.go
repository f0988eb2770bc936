package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/Strob0t/synchub/internal/adapter/http"
	"github.com/Strob0t/synchub/internal/adapter/jwtauth"
	"github.com/Strob0t/synchub/internal/adapter/memlog"
	natsq "github.com/Strob0t/synchub/internal/adapter/nats"
	"github.com/Strob0t/synchub/internal/adapter/natskv"
	telemetry "github.com/Strob0t/synchub/internal/adapter/otel"
	"github.com/Strob0t/synchub/internal/adapter/postgres"
	redisq "github.com/Strob0t/synchub/internal/adapter/redis"
	"github.com/Strob0t/synchub/internal/adapter/ristretto"
	"github.com/Strob0t/synchub/internal/adapter/tiered"
	"github.com/Strob0t/synchub/internal/adapter/ws"
	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/logger"
	"github.com/Strob0t/synchub/internal/middleware"
	"github.com/Strob0t/synchub/internal/port/cache"
	"github.com/Strob0t/synchub/internal/port/changefeed"
	"github.com/Strob0t/synchub/internal/port/eventlog"
	"github.com/Strob0t/synchub/internal/port/messagequeue"
	"github.com/Strob0t/synchub/internal/port/notifier"
	"github.com/Strob0t/synchub/internal/secrets"
	"github.com/Strob0t/synchub/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	nodeID := service.NodeID(cfg.Node.ID)
	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log.With("node", nodeID))

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"bridge", cfg.Bridge.Backend,
		"event_log", cfg.EventLog.Backend,
		"changefeed", cfg.Changes.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Logging.Service, nodeID)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	infra, err := connectInfra(ctx, cfg, nodeID)
	if err != nil {
		return err
	}
	defer infra.close()

	var evLog eventlog.Log
	switch cfg.EventLog.Backend {
	case "redis":
		evLog = redisq.NewEventLog(infra.redis, cfg.EventLog.Key, cfg.Sync.EventLogMax)
	case "postgres":
		evLog = postgres.NewEventLog(infra.pg, cfg.Sync.EventLogMax)
	default:
		evLog = memlog.New(cfg.Sync.EventLogMax)
	}

	tokenCache, closeCache, err := buildTokenCache(ctx, cfg.Cache, infra.nats)
	if err != nil {
		return err
	}
	defer closeCache()

	vault, err := secrets.NewVault(jwtSecretLoader(cfg.Auth))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	cfg.Auth.JWTSecret = vault.Get(jwtSecretKey)
	validator, err := jwtauth.New(cfg.Auth, tokenCache, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	validator.SetSecretSource(vault.Source(jwtSecretKey))

	// --- Services ---

	sockets := ws.NewRegistry(cfg.WS, validator)
	sockets.SetMetrics(metrics)
	if err := metrics.ObserveGauge("synchub.connections.active", "Open client sockets on this process", func() int64 {
		return int64(sockets.ConnectionCount())
	}); err != nil {
		return fmt.Errorf("otel gauge: %w", err)
	}

	engine := service.NewEngine(cfg.Sync, nodeID, sockets, evLog)
	engine.SetMetrics(metrics)

	bridge := service.NewBridge(infra.queue, cfg.Bridge.Subject, nodeID, engine)
	bridge.SetMetrics(metrics)
	engine.SetBridge(bridge)

	notifiers, err := notifier.BuildAll(notifierConfigs(cfg.Delivery))
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}
	delivery := service.NewNotificationService(notifiers, cfg.Delivery.EnabledKinds, cfg.Breaker, cfg.Sync.RetryLimit)
	delivery.SetMetrics(metrics)
	if cfg.Delivery.MaxConcurrent > 0 {
		delivery.SetConcurrency(cfg.Delivery.MaxConcurrent)
	}
	if delivery.NotifierCount() > 0 {
		engine.SetDelivery(delivery)
	}
	slog.Info("external delivery configured", "notifiers", delivery.NotifierCount())

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Stop()

	changes := service.NewChangeDetector(cfg.Changes.Channel, cfg.Changes.Entities, engine)
	var storage changefeed.Storage
	if infra.pg != nil {
		feed, err := postgres.NewChangeFeed(infra.pg, cfg.Changes.Channel)
		if err != nil {
			return fmt.Errorf("changefeed: %w", err)
		}
		storage = feed
		if err := changes.InstallTriggers(ctx, storage); err != nil {
			slog.Error("change detection degraded", "error", err)
		}
	}

	// --- HTTP ---

	handlers := &httpapi.Handlers{
		Producer: service.NewProducer(engine, engine),
		Engine:   engine,
		Sockets:  sockets,
		Bridge:   bridge,
		Delivery: delivery,
		Changes:  changes,
		Storage:  storage,
		Log:      evLog,
	}

	api := []func(http.Handler) http.Handler{
		middleware.Auth(validator, cfg.Auth.ProtectAPI),
		chimw.Timeout(30 * time.Second),
	}
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
		api = append([]func(http.Handler) http.Handler{limiter.Handler}, api...)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpapi.Logger)
	r.Use(chimw.Recoverer)
	r.Use(httpapi.SecurityHeaders)
	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(telemetry.HTTPMiddleware(cfg.Logging.Service))
	httpapi.MountRoutes(r, handlers, api...)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr, "node_id", nodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sockets.RunHeartbeat(gctx)
		return nil
	})
	if cfg.Auth.JWTSecretFile != "" {
		g.Go(func() error {
			reloadOnHangup(gctx, vault)
			return nil
		})
	}
	if storage != nil {
		g.Go(func() error {
			return changes.ListenForChanges(gctx, storage)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sockets.Close()
		engine.Stop()
		delivery.Wait()
		return err
	})

	return g.Wait()
}

const jwtSecretKey = "jwt_secret"

// jwtSecretLoader reads the signing secret from config, overridden by the
// secret file when one is configured.
func jwtSecretLoader(cfg config.Auth) secrets.Loader {
	loaders := []secrets.Loader{secrets.Static(map[string]string{jwtSecretKey: cfg.JWTSecret})}
	if cfg.JWTSecretFile != "" {
		loaders = append(loaders, secrets.FileLoader(map[string]string{jwtSecretKey: cfg.JWTSecretFile}))
	}
	return secrets.Chain(loaders...)
}

// reloadOnHangup re-reads secrets each time the process receives SIGHUP.
func reloadOnHangup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed, keeping previous values", "error", err)
				continue
			}
			slog.Info("secrets reloaded")
		}
	}
}

// infra holds the backend connections opened for this process.
type infra struct {
	queue   messagequeue.Queue
	nats    *natsq.Queue
	redis   *goredis.Client
	pg      *pgxpool.Pool
	closers []func()
}

// close releases connections in reverse order of opening.
func (i *infra) close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
}

// connectInfra opens the bridge backend, Redis when the audit log lives
// there, NATS when the token cache uses a KV bucket, and PostgreSQL when
// change detection or the audit log needs it.
func connectInfra(ctx context.Context, cfg *config.Config, nodeID string) (*infra, error) {
	in := &infra{}
	fail := func(err error) (*infra, error) {
		in.close()
		return nil, err
	}

	if cfg.Bridge.Backend == "nats" || cfg.Cache.L2Bucket != "" {
		nq, err := natsq.Connect(ctx, cfg.NATS.URL, "synchub-"+nodeID)
		if err != nil {
			return fail(fmt.Errorf("nats: %w", err))
		}
		in.nats = nq
		in.closers = append(in.closers, func() { _ = nq.Close() })
	}
	if cfg.Bridge.Backend == "redis" || cfg.EventLog.Backend == "redis" {
		rdb, err := redisq.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		in.redis = rdb
		in.closers = append(in.closers, func() { _ = rdb.Close() })
	}

	switch cfg.Bridge.Backend {
	case "redis":
		in.queue = redisq.NewQueue(in.redis)
	default:
		in.queue = in.nats
	}

	if cfg.Changes.Enabled || cfg.EventLog.Backend == "postgres" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		in.pg = pool
		in.closers = append(in.closers, pool.Close)
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		slog.Info("migrations applied")
	}
	return in, nil
}

// buildTokenCache returns the ristretto L1 cache, tiered over a NATS KV
// bucket when one is configured.
func buildTokenCache(ctx context.Context, cfg config.Cache, nq *natsq.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: %w", err)
	}
	if cfg.L2Bucket == "" {
		return l1, l1.Close, nil
	}

	kv, err := nq.KeyValue(ctx, cfg.L2Bucket, cfg.TTL)
	if err != nil {
		l1.Close()
		return nil, nil, fmt.Errorf("cache l2: %w", err)
	}
	slog.Info("token cache tiered over nats kv", "bucket", cfg.L2Bucket)
	return tiered.New(l1, natskv.New(kv), cfg.TTL), l1.Close, nil
}

// notifierConfigs maps delivery settings onto notifier factory configs.
// Providers missing required settings are skipped by notifier.BuildAll.
func notifierConfigs(d config.Delivery) map[string]map[string]string {
	return map[string]map[string]string{
		"slack": {
			"webhook_url": d.SlackWebhookURL,
		},
		"discord": {
			"webhook_url": d.DiscordWebhookURL,
		},
		"email": {
			"host":     d.SMTPHost,
			"port":     strconv.Itoa(d.SMTPPort),
			"from":     d.SMTPFrom,
			"password": d.SMTPPassword,
			"to":       d.SMTPTo,
		},
	}
}
