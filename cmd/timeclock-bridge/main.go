// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/adms"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/relay"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/spool"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

const identityMissExpiration = time.Minute

func main() {
	cfg, err := loadConfig()
	InitLogging(cfg.LogLevel)
	if err != nil {
		zap.S().Fatalf("Failed to load configuration: %s", err)
	}
	InitPrometheus(cfg.MetricsAddr)
	initFgtrace(cfg.DebugTrace)
	health := InitHealthCheck(cfg.HealthcheckAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := setupStore(ctx, cfg, health)

	var punchSpool *spool.Spool
	var spooler relay.Spooler
	if cfg.SpoolPath != "" {
		punchSpool, err = spool.Open(cfg.SpoolPath)
		if err != nil {
			zap.S().Fatalf("Failed to open spool at %s: %s", cfg.SpoolPath, err)
		}
		spooler = punchSpool
		go punchSpool.Run(ctx, backend)
	}

	var publisher *relay.MQTTPublisher
	var punchPublisher relay.Publisher
	if cfg.MQTT.BrokerURL != "" {
		publisher, err = relay.NewMQTTPublisher(cfg.MQTT, health)
		if err != nil {
			zap.S().Fatalf("Failed to connect to MQTT broker %s: %s", cfg.MQTT.BrokerURL, err)
		}
		punchPublisher = publisher
	}

	engine := adms.NewEngine(adms.Config{
		Location:      cfg.Location,
		FetchDialect:  cfg.FetchDialect,
		FetchInterval: cfg.FetchInterval,
	}, relay.New(backend, spooler, punchPublisher, cfg.DedupCacheBytes))

	if cfg.IdleTTL > 0 {
		go pruneIdleDevices(ctx, engine, cfg.IdleTTL)
	}

	var accounts gin.Accounts
	if cfg.APIUser != "" {
		accounts = gin.Accounts{cfg.APIUser: cfg.APIPassword}
	}
	srv := &server{
		engine:    engine,
		handshake: adms.HandshakeOptions{PollDelay: cfg.PollDelay},
	}
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(srv, accounts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gs := newGracefulShutdown(func() error {
		shutdownCtx, cncl := context.WithTimeout(context.Background(), 20*time.Second)
		defer cncl()
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if publisher != nil {
			publisher.Close()
		}
		if punchSpool != nil {
			if spoolErr := punchSpool.Close(); spoolErr != nil {
				err = errors.Join(err, spoolErr)
			}
		}
		backend.Close()
		return err
	}, 30*time.Second)
	srv.shutdown = gs

	go func() {
		zap.S().Infof("Listening for terminals on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("Failed to bind to %s: %s", cfg.ListenAddr, err)
			gs.Shutdown()
		}
	}()

	if err = gs.Wait(); err != nil {
		zap.S().Errorw("Error during shutdown", "error", err)
		_ = zap.S().Sync()
		os.Exit(1)
	}
	zap.S().Info("Shutdown tasks completed. Exiting.")
	_ = zap.S().Sync()
}

func InitLogging(level string) {
	if level == "" {
		level = "PRODUCTION"
	}
	_ = logger.New(level)
}

func InitPrometheus(addr string) {
	metricsPath := "/metrics"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, addr)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(addr, mux)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(addr string) healthcheck.Handler {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(addr, health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
	return health
}

// setupStore returns the in-memory store for DRY_RUN, postgres otherwise.
func setupStore(ctx context.Context, cfg Config, health healthcheck.Handler) store.Store {
	if cfg.DryRun {
		zap.S().Infof("Running in DRY_RUN mode. Punches are kept in memory only")
		return store.NewMemory()
	}

	var rdb *redis.Client
	if cfg.RedisURI != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURI,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		zap.S().Infof("Sharing identity cache through redis at %s", cfg.RedisURI)
	}
	ids, err := store.NewIdentityCache(cfg.LRUSize, identityMissExpiration, rdb)
	if err != nil {
		zap.S().Fatalf("Failed to create identity cache: %s", err)
	}

	pool, err := store.Connect(ctx, cfg.Postgres)
	if err != nil {
		zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
	}
	pg := store.NewPostgres(pool, ids)
	if !pg.IsAvailable(ctx) {
		zap.S().Fatalf("Database is not available !")
	}

	check := func() error {
		if pg.IsAvailable(context.Background()) {
			return nil
		}
		return errors.New("database not available")
	}
	health.AddReadinessCheck("database", check)
	health.AddLivenessCheck("database", check)
	return pg
}

// pruneIdleDevices drops the in-memory state of terminals that stopped calling in.
func pruneIdleDevices(ctx context.Context, engine *adms.Engine, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Prune(ttl)
		}
	}
}
