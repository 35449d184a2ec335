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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	KindDevice   = "device"
	KindEmployee = "employee"
)

// IdentityCache sits in front of the id lookups.
// Hits live in an ARC cache and optionally in redis, misses are remembered briefly in memory so
// unprovisioned PINs do not hit the database on every punch while new employees still show up soon.
type IdentityCache struct {
	ids             *lru.ARCCache
	misses          *cache.Cache
	rdb             *redis.Client
	redisExpiration time.Duration

	hits      atomic.Uint64
	lookups   atomic.Uint64
	redisHits atomic.Uint64
}

// NewIdentityCache creates a cache holding size ids. rdb may be nil.
func NewIdentityCache(size int, missExpiration time.Duration, rdb *redis.Client) (*IdentityCache, error) {
	ids, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &IdentityCache{
		ids:             ids,
		misses:          cache.New(missExpiration, 2*missExpiration),
		rdb:             rdb,
		redisExpiration: 12 * time.Hour,
	}, nil
}

// Get returns the cached id. cached is false when the caller has to ask the database,
// found is false for a remembered miss.
func (c *IdentityCache) Get(ctx context.Context, kind string, key string) (id int64, found bool, cached bool) {
	c.lookups.Add(1)
	cacheKey := getCacheKey(kind, key)
	if value, ok := c.ids.Get(cacheKey); ok {
		c.hits.Add(1)
		return value.(int64), true, true
	}
	if _, ok := c.misses.Get(cacheKey); ok {
		c.hits.Add(1)
		return 0, false, true
	}
	if c.rdb == nil {
		return 0, false, false
	}

	redisCtx, cncl := context.WithTimeout(ctx, time.Second)
	defer cncl()
	raw, err := c.rdb.Get(redisCtx, cacheKey).Result()
	if err != nil {
		if err != redis.Nil {
			zap.S().Debugf("Redis lookup of %s failed: %s", cacheKey, err)
		}
		return 0, false, false
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		zap.S().Warnf("Invalid id %q cached in redis for %s", raw, cacheKey)
		return 0, false, false
	}
	c.redisHits.Add(1)
	// Write back to memory
	c.ids.Add(cacheKey, id)
	return id, true, true
}

func (c *IdentityCache) Set(ctx context.Context, kind string, key string, id int64) {
	cacheKey := getCacheKey(kind, key)
	c.ids.Add(cacheKey, id)
	c.misses.Delete(cacheKey)
	if c.rdb == nil {
		return
	}
	redisCtx, cncl := context.WithTimeout(ctx, time.Second)
	defer cncl()
	if err := c.rdb.Set(redisCtx, cacheKey, id, c.redisExpiration).Err(); err != nil {
		zap.S().Debugf("Failed to cache %s in redis: %s", cacheKey, err)
	}
}

func (c *IdentityCache) SetMissing(kind string, key string) {
	c.misses.SetDefault(getCacheKey(kind, key), struct{}{})
}

// HitPercentage reports memory and redis hits relative to all lookups.
func (c *IdentityCache) HitPercentage() float64 {
	lookups := c.lookups.Load()
	if lookups == 0 {
		return 0
	}
	return float64(c.hits.Load()+c.redisHits.Load()) / float64(lookups) * 100
}

func getCacheKey(kind string, key string) string {
	// timeclock*device*SN001
	return "timeclock*" + kind + "*" + key
}
