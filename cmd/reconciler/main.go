// Command reconciler is the bootstrap/shutdown entrypoint: store client
// → KV client → remote client → lock service → reconciler (bootstrap →
// poller) → worker. Grounded on app/recorder/main.go and
// app/producer/main.go's config/metrics/gin-health/domain-clients/
// signal.NotifyContext/bounded-drain skeleton.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"cellsync/internal/applog"
	"cellsync/internal/config"
	"cellsync/internal/echo"
	"cellsync/internal/envdetect"
	"cellsync/internal/kv"
	"cellsync/internal/lock"
	"cellsync/internal/metrics"
	"cellsync/internal/outbound"
	"cellsync/internal/peerstate"
	"cellsync/internal/queue"
	"cellsync/internal/reconciler"
	"cellsync/internal/remote"
	"cellsync/internal/snapshotstore"
	"cellsync/internal/snapstate"
	"cellsync/internal/status"
	"cellsync/internal/store"
	"cellsync/internal/worker"
)

var healthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cellsync",
	Subsystem: "reconciler",
	Name:      "health_status",
	Help:      "Health status of the reconciler service (1=healthy).",
})

const exitInvalidConfig = 2
const exitStartupFailure = 1

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: invalid configuration: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	env := envdetect.FromConfig(cfg.Environment)
	applog.Configure(env, applog.Level(cfg.Log.LogLevel), cfg.Log.LogRootDir, "reconciler")
	logger := applog.GetInstance().Sugar
	defer applog.Sync()

	logger.Infof("reconciler starting, PID=%d", os.Getpid())
	metrics.MustRegisterAll()

	storeClient, err := bootstrapStore(cfg)
	if err != nil {
		logger.Errorf("store bootstrap failed: %v", err)
		os.Exit(exitStartupFailure)
	}

	kvClient, err := bootstrapKV(cfg)
	if err != nil {
		logger.Errorf("kv bootstrap failed: %v", err)
		os.Exit(exitStartupFailure)
	}
	defer func() { _ = kvClient.Close() }()

	remoteClient, err := bootstrapRemote(cfg)
	if err != nil {
		logger.Errorf("remote bootstrap failed: %v", err)
		os.Exit(exitStartupFailure)
	}

	locks := lock.New(kvClient, lock.Options{
		LeaseTTL:    cfg.Reconciler.LeaseTTL(),
		RetryDelay:  cfg.Reconciler.LockRetryDelay(),
		MaxAttempts: cfg.Reconciler.LockMaxAttempts,
	})
	marker := echo.New(kvClient, cfg.Reconciler.IgnoreMarkTTL())
	snaps := snapshotstore.New(kvClient, cfg.Reconciler.SnapshotTTL())
	toRemote := queue.New(kvClient, queue.ToRemote)
	toStore := queue.New(kvClient, queue.ToStore)

	state := snapstate.New(nil)
	storePeer := peerstate.New()

	rec := reconciler.New(remoteClient, storeClient, marker, locks, snaps, toRemote, toStore, state, storePeer, reconciler.Options{
		PollInterval: cfg.Reconciler.PollInterval(),
	})

	syncer := outbound.New(remoteClient, storeClient, snaps, toRemote, state, storePeer, cfg.Reconciler.OutboundDebounce())

	statusProvider := status.New(remoteClient, storePeer, state, toRemote, toStore)

	w := worker.New(storeClient, marker, locks, syncer, worker.Options{
		FanOut:             cfg.Worker.FanOut,
		RateLimitPerMinute: cfg.Worker.RateLimitPerMinute,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		InitialBackoff:     time.Duration(cfg.Worker.InitialBackoffMs) * time.Millisecond,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusProvider.Snapshot(c.Request.Context()))
	})

	httpAddr := cfg.Services.ReconcilerHTTPAddr
	srv := &http.Server{Addr: httpAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootstrapCtx, cancelBootstrap := context.WithTimeout(ctx, 30*time.Second)
	if err := rec.Bootstrap(bootstrapCtx); err != nil {
		cancelBootstrap()
		logger.Errorf("reconciler bootstrap failed: %v", err)
		os.Exit(exitStartupFailure)
	}
	cancelBootstrap()

	healthGauge.Set(1)
	syncer.Start(ctx)
	w.Start(ctx)

	var wg sync.WaitGroup

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server exited: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("reconciler poll loop started")
		rec.Run(ctx)
		logger.Info("reconciler poll loop exited")
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	healthGauge.Set(0)

	syncer.Stop()
	wg.Wait()
	w.Wait()

	if err := kvClient.Close(); err != nil {
		logger.Warnf("closing kv client: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutting down http server: %v", err)
	}

	logger.Info("reconciler shutdown complete")
}

func configPath() string {
	if p := os.Getenv("CELLSYNC_CONFIG"); p != "" {
		return p
	}
	return "/etc/cellsync/config.toml"
}

func bootstrapStore(cfg *config.Config) (*store.Client, error) {
	return store.Open(store.Options{
		DSN:             cfg.MySQL.DSN,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxIdle:     time.Duration(cfg.MySQL.ConnMaxIdleSec) * time.Second,
		ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifeMin) * time.Minute,
	})
}

func bootstrapKV(cfg *config.Config) (*kv.Client, error) {
	return kv.New(context.Background(), kv.Options{
		Addr:             cfg.Redis.Addr,
		Username:         cfg.Redis.User,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		PoolSize:         cfg.Redis.PoolSize,
		MinIdleConns:     cfg.Redis.MinIdleConns,
		MaxRetries:       cfg.Redis.MaxRetries,
		DialTimeout:      time.Duration(cfg.Redis.DialTimeout) * time.Second,
		ReadTimeout:      time.Duration(cfg.Redis.ReadTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.Redis.WriteTimeout) * time.Second,
		UseSentinel:      cfg.Redis.UseSentinel,
		SentinelAddrs:    cfg.Redis.SentinelAddrs,
		MasterName:       cfg.Redis.MasterName,
		SentinelPassword: cfg.Redis.SentinelPassword,
	})
}

func bootstrapRemote(cfg *config.Config) (*remote.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.Sheet.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Sheet.CredentialsFile))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return remote.New(svc, remote.Options{
		SpreadsheetID:  cfg.Sheet.RemoteID,
		Range:          cfg.Sheet.RemoteRange,
		RequestTimeout: time.Duration(cfg.Sheet.RequestTimeoutSec) * time.Second,
	}), nil
}
