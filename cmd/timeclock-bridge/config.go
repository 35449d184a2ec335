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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/timeclock-bridge/internal/adms"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/relay"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
	"github.com/united-manufacturing-hub/umh-utils/env"
)

type Config struct {
	LogLevel        string
	ListenAddr      string
	MetricsAddr     string
	HealthcheckAddr string

	DryRun   bool
	Postgres store.PostgresConfig
	LRUSize  int

	RedisURI      string
	RedisPassword string
	RedisDB       int

	MQTT relay.MQTTConfig

	SpoolPath       string
	DedupCacheBytes int

	FetchDialect  adms.FetchDialect
	FetchInterval time.Duration
	Location      *time.Location
	IdleTTL       time.Duration
	PollDelay     time.Duration

	APIUser     string
	APIPassword string

	DebugTrace bool
}

// loadConfig reads the configuration from the environment.
// The database credentials are only required when not running in DRY_RUN.
func loadConfig() (cfg Config, err error) {
	if cfg.LogLevel, err = env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION"); err != nil {
		return cfg, err
	}
	if cfg.ListenAddr, err = env.GetAsString("LISTEN_ADDR", false, ":8081"); err != nil {
		return cfg, err
	}
	if cfg.MetricsAddr, err = env.GetAsString("METRICS_ADDR", false, ":2112"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckAddr, err = env.GetAsString("HEALTHCHECK_ADDR", false, "0.0.0.0:8086"); err != nil {
		return cfg, err
	}

	if cfg.DryRun, err = env.GetAsBool("DRY_RUN", false, false); err != nil {
		return cfg, err
	}
	needDB := !cfg.DryRun
	if cfg.Postgres.Host, err = env.GetAsString("POSTGRES_HOST", false, "db"); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Port, err = env.GetAsInt("POSTGRES_PORT", false, 5432); err != nil {
		return cfg, err
	}
	if cfg.Postgres.User, err = env.GetAsString("POSTGRES_USER", needDB, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Password, err = env.GetAsString("POSTGRES_PASSWORD", needDB, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Database, err = env.GetAsString("POSTGRES_DATABASE", needDB, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.SSLMode, err = env.GetAsString("POSTGRES_SSL_MODE", false, "require"); err != nil {
		return cfg, err
	}
	if cfg.LRUSize, err = env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000); err != nil {
		return cfg, err
	}

	if cfg.RedisURI, err = env.GetAsString("REDIS_URI", false, ""); err != nil {
		return cfg, err
	}
	if cfg.RedisPassword, err = env.GetAsString("REDIS_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	if cfg.RedisDB, err = env.GetAsInt("REDIS_DB", false, 0); err != nil {
		return cfg, err
	}

	if cfg.MQTT.BrokerURL, err = env.GetAsString("MQTT_BROKER_URL", false, ""); err != nil {
		return cfg, err
	}
	if cfg.MQTT.TopicPrefix, err = env.GetAsString("MQTT_TOPIC_PREFIX", false, "timeclock"); err != nil {
		return cfg, err
	}
	if cfg.MQTT.ClientID, err = env.GetAsString("MQTT_CLIENT_ID", false, "timeclock-bridge"); err != nil {
		return cfg, err
	}
	if cfg.MQTT.Password, err = env.GetAsString("MQTT_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	cfg.MQTT.Username = "TIMECLOCK_BRIDGE"

	if cfg.SpoolPath, err = env.GetAsString("SPOOL_PATH", false, ""); err != nil {
		return cfg, err
	}
	if cfg.DedupCacheBytes, err = env.GetAsInt("PUNCH_DEDUP_CACHE_BYTES", false, 32*1024*1024); err != nil {
		return cfg, err
	}

	dialect, err := env.GetAsString("ATTLOG_FETCH_DIALECT", false, string(adms.DialectDataQuery))
	if err != nil {
		return cfg, err
	}
	if cfg.FetchDialect, err = adms.ParseFetchDialect(dialect); err != nil {
		return cfg, err
	}
	fetchSeconds, err := env.GetAsInt("FETCH_INTERVAL_SECONDS", false, 0)
	if err != nil {
		return cfg, err
	}
	cfg.FetchInterval = time.Duration(fetchSeconds) * time.Second

	zone, err := env.GetAsString("TERMINAL_TIMEZONE", false, "Local")
	if err != nil {
		return cfg, err
	}
	if cfg.Location, err = time.LoadLocation(zone); err != nil {
		return cfg, fmt.Errorf("TERMINAL_TIMEZONE: %w", err)
	}
	idleHours, err := env.GetAsInt("DEVICE_IDLE_TTL_HOURS", false, 0)
	if err != nil {
		return cfg, err
	}
	cfg.IdleTTL = time.Duration(idleHours) * time.Hour
	pollSeconds, err := env.GetAsInt("POLL_DELAY_SECONDS", false, 10)
	if err != nil {
		return cfg, err
	}
	cfg.PollDelay = time.Duration(pollSeconds) * time.Second

	if cfg.APIUser, err = env.GetAsString("API_USER", false, ""); err != nil {
		return cfg, err
	}
	if cfg.APIPassword, err = env.GetAsString("API_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	if cfg.DebugTrace, err = env.GetAsBool("DEBUG_ENABLE_FGTRACE", false, false); err != nil {
		return cfg, err
	}
	return cfg, nil
}
