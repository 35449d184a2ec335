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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/EagleChen/mapmutex"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxIface is the subset of *pgxpool.Pool used here, satisfied by pgxmock in tests.
type PgxIface interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	selectDeviceQuery   = `SELECT id FROM device WHERE serial = $1`
	selectEmployeeQuery = `SELECT id FROM employee WHERE pin = $1`
	insertPunchQuery    = `INSERT INTO punch (id, device_id, employee_id, serial, pin, verify_method, punched_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c PostgresConfig) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Connect opens a pool to the configured database.
func Connect(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
	establishCtx, cncl := get5SecondContext(ctx)
	defer cncl()
	return pgxpool.New(establishCtx, cfg.connString())
}

// Postgres resolves identities and appends punches in postgres.
type Postgres struct {
	db    PgxIface
	ids   *IdentityCache
	mutex *mapmutex.Mutex
}

func NewPostgres(db PgxIface, ids *IdentityCache) *Postgres {
	return &Postgres{
		db:  db,
		ids: ids,
		// default configs: maxDelay: 0.1 second, baseDelay: 10 nanosecond
		mutex: mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
	}
}

func (p *Postgres) IsAvailable(ctx context.Context) bool {
	if p.db == nil {
		return false
	}
	pingCtx, cncl := get5SecondContext(ctx)
	defer cncl()
	if err := p.db.Ping(pingCtx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (p *Postgres) DeviceID(ctx context.Context, serial string) (int64, error) {
	return p.resolve(ctx, KindDevice, serial, selectDeviceQuery)
}

func (p *Postgres) EmployeeID(ctx context.Context, pin string) (int64, error) {
	return p.resolve(ctx, KindEmployee, pin, selectEmployeeQuery)
}

func (p *Postgres) resolve(ctx context.Context, kind string, key string, query string) (int64, error) {
	if id, found, cached := p.ids.Get(ctx, kind, key); cached {
		if !found {
			return 0, ErrNotFound
		}
		return id, nil
	}

	lockKey := kind + "*" + key
	if p.mutex.TryLock(lockKey) {
		defer p.mutex.Unlock(lockKey)
		// Another goroutine might have resolved it while we waited
		if id, found, cached := p.ids.Get(ctx, kind, key); cached {
			if !found {
				return 0, ErrNotFound
			}
			return id, nil
		}
	}

	queryCtx, cncl := get5SecondContext(ctx)
	defer cncl()
	var id int64
	err := p.db.QueryRow(queryCtx, query, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			p.ids.SetMissing(kind, key)
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lookup %s %q: %w", kind, key, err)
	}
	p.ids.Set(ctx, kind, key, id)
	return id, nil
}

// AppendPunch inserts rec. Re-inserting the same id is a no-op.
func (p *Postgres) AppendPunch(ctx context.Context, rec PunchRecord) error {
	insertCtx, cncl := get5SecondContext(ctx)
	defer cncl()
	_, err := p.db.Exec(insertCtx, insertPunchQuery,
		rec.ID, rec.DeviceID, rec.EmployeeID, rec.Serial, rec.PIN, rec.VerifyMethod, rec.PunchedAt)
	if err != nil {
		return fmt.Errorf("insert punch %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		p.db.Close()
	}
}
