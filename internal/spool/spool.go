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

// Package spool persists punches that could not be stored and replays them later.
package spool

import (
	"context"
	"errors"
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
	"go.uber.org/zap"
)

var (
	spoolLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timeclock_spool_length",
		Help: "Punches waiting in the spool",
	})
	spoolReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeclock_spool_replayed_total",
		Help: "Punches appended from the spool",
	})
	spoolDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeclock_spool_dropped_total",
		Help: "Spooled items that could not be decoded",
	})
)

const (
	backoffSlot = 100 * time.Millisecond
	backoffMax  = time.Minute
	idlePoll    = time.Second
)

// Spool is a disk backed FIFO of punch records.
type Spool struct {
	queue *goque.Queue
}

// Open opens or creates the spool at path.
func Open(path string) (*Spool, error) {
	queue, err := goque.OpenQueue(path)
	if err != nil {
		zap.S().Errorf("Error opening spool: %v", err)
		return nil, err
	}
	spoolLength.Set(float64(queue.Length()))
	return &Spool{queue: queue}, nil
}

func (s *Spool) Close() error {
	err := s.queue.Close()
	if err != nil {
		zap.S().Errorf("Error closing spool: %v", err)
	}
	return err
}

// Push appends rec to the spool.
func (s *Spool) Push(rec store.PunchRecord) error {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err = s.queue.Enqueue(bytes); err != nil {
		return err
	}
	spoolLength.Set(float64(s.queue.Length()))
	return nil
}

func (s *Spool) Len() uint64 {
	return s.queue.Length()
}

// Run replays spooled punches into appender until ctx is done.
// The head item is only removed once appended, failures are retried with exponential backoff.
func (s *Spool) Run(ctx context.Context, appender store.PunchAppender) {
	var retries int64
	for ctx.Err() == nil {
		item, err := s.queue.Peek()
		if err != nil {
			if !errors.Is(err, goque.ErrEmpty) {
				zap.S().Errorf("Error reading spool: %v", err)
			}
			sleepOrDone(ctx, idlePoll)
			continue
		}

		var rec store.PunchRecord
		if err = json.Unmarshal(item.Value, &rec); err != nil {
			zap.S().Errorf("Dropping undecodable spool item %d: %v", item.ID, err)
			spoolDropped.Inc()
			s.dequeue()
			continue
		}

		if err = appender.AppendPunch(ctx, rec); err != nil {
			retries++
			zap.S().Warnf("Replaying punch %s failed (retry %d): %v", rec.ID, retries, err)
			sleepBackedOff(ctx, retries, backoffSlot, backoffMax)
			continue
		}
		retries = 0
		spoolReplayed.Inc()
		s.dequeue()
	}
}

func (s *Spool) dequeue() {
	// Dequeue is internally atomic
	if _, err := s.queue.Dequeue(); err != nil && !errors.Is(err, goque.ErrEmpty) {
		zap.S().Errorf("Error removing spool item: %v", err)
	}
	spoolLength.Set(float64(s.queue.Length()))
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
