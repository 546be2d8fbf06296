package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unitbridge/unitbridge/internal/bridge"
	"github.com/unitbridge/unitbridge/internal/config"
	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/httpserver"
	"github.com/unitbridge/unitbridge/internal/httpserver/deps"
	"github.com/unitbridge/unitbridge/internal/logger"
	"github.com/unitbridge/unitbridge/internal/mirror"
	"github.com/unitbridge/unitbridge/internal/redis"
	"github.com/unitbridge/unitbridge/internal/rpc"
	"github.com/unitbridge/unitbridge/internal/scheduler"
	redisstore "github.com/unitbridge/unitbridge/internal/store/redis"
	"github.com/unitbridge/unitbridge/internal/sysdbus"
	"github.com/unitbridge/unitbridge/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	gateway     *sysdbus.Gateway
	bridge      *bridge.Bridge
	endpoint    *rpc.Endpoint
	server      *httpserver.Server
	refresher   *scheduler.Refresher
	redisClient *goredis.Client
}

func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	catalog := domain.NewCatalog(cfg.Units)

	// Connect to D-Bus early - the daemon is useless without it
	gateway, err := sysdbus.Connect(context.Background(), sysdbus.ConnectOptions{
		Bus:            cfg.Bus,
		ConnectTimeout: cfg.BusConnectTimeout,
		RetryInterval:  cfg.BusRetryInterval,
		MaxWait:        cfg.BusMaxWait,
		WarnThreshold:  cfg.BusWarnThreshold,
	}, loggerClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to d-bus: %w", err)
	}

	memMirror := mirror.New(loggerClient, cfg.PopulateLimit)
	notifier := bridge.NewNotifier(loggerClient)

	// Optional redis snapshot sink. Unlike the bus, an unreachable sink is
	// tolerable: log it and run without.
	var (
		redisClient *goredis.Client
		sink        bridge.Sink
	)
	if cfg.RedisEnabled() {
		loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		redisClient, err = redis.New(context.Background(), redis.ConnectOptions{
			Addr:        cfg.RedisAddr,
			User:        cfg.RedisUser,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.RedisDialTimeout,
		}, loggerClient)
		if err != nil {
			loggerClient.Warn("redis sink unavailable, snapshots will not be persisted",
				logger.Error(err))
			redisClient = nil
		} else {
			sink = redisstore.NewStore(redisClient, cfg.RedisSnapshotTTL)
		}
	}

	br := bridge.New(catalog, gateway, memMirror, notifier, sink, loggerClient)

	// Manual refresh trigger, shared between the scheduler and the HTTP route
	refreshTrigger := make(chan struct{}, 1)
	refresher := scheduler.NewRefresher(br, loggerClient, cfg.RefreshInterval, refreshTrigger)

	endpoint := rpc.New(rpc.Config{
		URL:             cfg.RouterURL,
		Realm:           cfg.Realm,
		Prefix:          cfg.Prefix,
		RetryInterval:   cfg.WAMPRetryInterval,
		MaxWait:         cfg.WAMPMaxWait,
		ResponseTimeout: cfg.WAMPResponseTimeout,
	}, br, loggerClient)

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		Bridge:         br,
		Catalog:        catalog,
		RefreshTrigger: refreshTrigger,
	}

	server := httpserver.New(cfg.ListenAddr, loggerClient, d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		gateway:     gateway,
		bridge:      br,
		endpoint:    endpoint,
		server:      server,
		refresher:   refresher,
		redisClient: redisClient,
	}, nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting unitbridge v%s on %s", version.Version, a.cfg.ListenAddr)
	a.logger.Infof("unitbridge %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Signal pump first, so change signals flow as soon as subscriptions land
	go a.gateway.Run(ctx)

	// Startup sequence: lifecycle subscription, population, per-unit watches
	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	a.refresher.Start(ctx)
	if a.cfg.RefreshInterval > 0 {
		a.logger.Info("periodic refresh enabled",
			logger.Duration("interval", a.cfg.RefreshInterval))
	}

	// WAMP session loop: connects, registers procedures, reconnects forever
	go a.endpoint.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	a.refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	a.gateway.Close()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ unitbridge stopped cleanly")
	return nil
}
