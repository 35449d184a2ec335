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

// Package relay hands accepted punches to storage.
package relay

import (
	"context"
	"errors"

	"github.com/coocood/freecache"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/adms"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
	"go.uber.org/zap"
)

// punchNamespace derives punch ids, the same punch fetched twice maps to the same id.
var punchNamespace = uuid.MustParse("5b0c3f6e-3d7e-4a38-9a43-7f1f0c2b9e51")

// seenExpirationSeconds covers the default attendance lookback of a fetch window.
const seenExpirationSeconds = 26 * 60 * 60

// Backend is what the relay needs from storage.
type Backend interface {
	store.DeviceResolver
	store.EmployeeResolver
	store.PunchAppender
}

// Spooler keeps punches the backend refused, for a later retry.
type Spooler interface {
	Push(rec store.PunchRecord) error
}

// Publisher announces stored punches.
type Publisher interface {
	PublishPunch(rec store.PunchRecord) error
}

// Relay resolves identities and appends punches. Lookup failures never drop a punch,
// the identity is stored as nil instead.
type Relay struct {
	backend   Backend
	spool     Spooler
	publisher Publisher
	seen      *freecache.Cache
}

// New returns a relay remembering recently relayed punches in dedupCacheBytes of memory.
// spool and publisher may be nil.
func New(backend Backend, spool Spooler, publisher Publisher, dedupCacheBytes int) *Relay {
	return &Relay{
		backend:   backend,
		spool:     spool,
		publisher: publisher,
		seen:      freecache.NewCache(dedupCacheBytes),
	}
}

func (r *Relay) Relay(ctx context.Context, punches []adms.PunchEvent) {
	deviceIDs := make(map[string]*int64)
	for _, p := range punches {
		key := punchKey(p)
		if _, err := r.seen.Get(key); err == nil {
			relayedTotal.WithLabelValues(outcomeDuplicate).Inc()
			continue
		}

		deviceID, resolved := deviceIDs[p.Serial]
		if !resolved {
			deviceID = r.resolve(ctx, store.KindDevice, p.Serial, r.backend.DeviceID)
			deviceIDs[p.Serial] = deviceID
		}
		rec := store.PunchRecord{
			ID:           uuid.NewSHA1(punchNamespace, key),
			DeviceID:     deviceID,
			EmployeeID:   r.resolve(ctx, store.KindEmployee, p.PIN, r.backend.EmployeeID),
			Serial:       p.Serial,
			PIN:          p.PIN,
			VerifyMethod: string(p.VerifyMethod),
			PunchedAt:    p.Timestamp,
		}
		if !r.persist(ctx, rec) {
			continue
		}
		_ = r.seen.Set(key, []byte{1}, seenExpirationSeconds)

		if r.publisher != nil {
			if err := r.publisher.PublishPunch(rec); err != nil {
				zap.S().Warnf("Failed to publish punch %s: %s", rec.ID, err)
			}
		}
	}
}

// persist appends rec, falling back to the spool. It reports whether the punch is safe.
func (r *Relay) persist(ctx context.Context, rec store.PunchRecord) bool {
	err := r.backend.AppendPunch(ctx, rec)
	if err == nil {
		relayedTotal.WithLabelValues(outcomeStored).Inc()
		return true
	}
	if r.spool == nil {
		zap.S().Errorf("Lost punch %s of %s/%s: %s", rec.ID, rec.Serial, rec.PIN, err)
		relayedTotal.WithLabelValues(outcomeLost).Inc()
		return false
	}
	zap.S().Warnf("Spooling punch %s: %s", rec.ID, err)
	if spoolErr := r.spool.Push(rec); spoolErr != nil {
		zap.S().Errorf("Lost punch %s of %s/%s: %s (spool: %s)", rec.ID, rec.Serial, rec.PIN, err, spoolErr)
		relayedTotal.WithLabelValues(outcomeLost).Inc()
		return false
	}
	relayedTotal.WithLabelValues(outcomeSpooled).Inc()
	return true
}

func (r *Relay) resolve(ctx context.Context, kind string, key string, lookup func(context.Context, string) (int64, error)) *int64 {
	id, err := lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.S().Warnf("Failed to resolve %s %q: %s", kind, key, err)
		}
		unresolvedTotal.WithLabelValues(kind).Inc()
		return nil
	}
	return &id
}

func punchKey(p adms.PunchEvent) []byte {
	return AsXXHash([]byte(p.Serial), []byte(p.PIN), int64ToBytes(p.Timestamp.Unix()))
}
