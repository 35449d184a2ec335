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

package adms

import (
	"strings"
	"sync/atomic"
	"time"
)

const (
	// StaleAfter is how long a delivered command may stay unanswered
	StaleAfter = 90 * time.Second
	// CommandHistorySize bounds the per-device command history
	CommandHistorySize = 500
)

type CommandState string

const (
	CommandQueued    CommandState = "queued"
	CommandDelivered CommandState = "delivered"
	CommandResponded CommandState = "responded"
	CommandStale     CommandState = "stale"
)

// CommandRecord follows one command from queueing to its answer. It is diagnostic data only.
type CommandRecord struct {
	ID          int64      `json:"id"`
	Command     string     `json:"command"`
	QueuedAt    time.Time  `json:"queued_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	BytesSent   *int       `json:"bytes_sent,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	StaleAt     *time.Time `json:"stale_at,omitempty"`
	ReturnCode  string     `json:"return_code,omitempty"`
	RemoteAddr  string     `json:"remote_address,omitempty"`
}

func (r CommandRecord) State() CommandState {
	switch {
	case r.RespondedAt != nil:
		return CommandResponded
	case r.StaleAt != nil:
		return CommandStale
	case r.DeliveredAt != nil:
		return CommandDelivered
	default:
		return CommandQueued
	}
}

func (r *CommandRecord) awaitingResponse() bool {
	return r.DeliveredAt != nil && r.RespondedAt == nil && r.StaleAt == nil
}

// Tracker keeps a bounded command history per device.
type Tracker struct {
	reg   *registry[Ring[*CommandRecord]]
	seq   atomic.Int64
	clock Clock
}

func NewTracker(clock Clock) *Tracker {
	return &Tracker{
		reg: newRegistry(func(string) *Ring[*CommandRecord] {
			return NewRing[*CommandRecord](CommandHistorySize)
		}),
		clock: clock,
	}
}

// RecordQueued allocates the next command id and appends a queued record for body.
func (t *Tracker) RecordQueued(serial string, body string, remote string) CommandRecord {
	rec := &CommandRecord{
		ID:         t.seq.Add(1),
		QueuedAt:   t.clock.now(),
		RemoteAddr: remote,
	}
	rec.Command = FormatCommand(rec.ID, body)
	t.reg.with(serial, func(r *Ring[*CommandRecord]) {
		r.Push(rec)
	})
	return *rec
}

// MarkDelivered stamps the delivery time and response size on the named records.
func (t *Tracker) MarkDelivered(serial string, ids []int64, byteCount int) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := t.clock.now()
	var marked int
	t.reg.peek(serial, func(r *Ring[*CommandRecord]) {
		r.Each(func(rec *CommandRecord) {
			if _, ok := want[rec.ID]; !ok || rec.DeliveredAt != nil {
				return
			}
			delivered := now
			bytes := byteCount
			rec.DeliveredAt = &delivered
			rec.BytesSent = &bytes
			marked++
		})
	})
	return marked
}

// MarkResponded stamps explicit terminal results on the named records.
func (t *Tracker) MarkResponded(serial string, results []CommandResult) int {
	if len(results) == 0 {
		return 0
	}
	byID := make(map[int64]CommandResult, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}
	now := t.clock.now()
	var marked int
	t.reg.peek(serial, func(r *Ring[*CommandRecord]) {
		r.Each(func(rec *CommandRecord) {
			res, ok := byID[rec.ID]
			if !ok || !rec.awaitingResponse() {
				return
			}
			responded := now
			rec.RespondedAt = &responded
			rec.ReturnCode = res.Return
			marked++
		})
	})
	return marked
}

// MarkRespondedMatching marks delivered commands whose text contains fragment as answered.
// An upload of user or attendance data is the implicit answer to the matching query.
func (t *Tracker) MarkRespondedMatching(serial string, fragment string) int {
	now := t.clock.now()
	var marked int
	t.reg.peek(serial, func(r *Ring[*CommandRecord]) {
		r.Each(func(rec *CommandRecord) {
			if !rec.awaitingResponse() || !strings.Contains(rec.Command, fragment) {
				return
			}
			responded := now
			rec.RespondedAt = &responded
			marked++
		})
	})
	return marked
}

// ScanStale stamps StaleAt on delivered commands that went unanswered for StaleAfter.
// Calling it repeatedly is safe, it returns the number of newly stale records.
func (t *Tracker) ScanStale(serial string) int {
	now := t.clock.now()
	var marked int
	t.reg.peek(serial, func(r *Ring[*CommandRecord]) {
		r.Each(func(rec *CommandRecord) {
			if !rec.awaitingResponse() || now.Sub(*rec.DeliveredAt) < StaleAfter {
				return
			}
			stale := now
			rec.StaleAt = &stale
			marked++
		})
	})
	return marked
}

// Records returns copies of the history of serial, oldest first.
func (t *Tracker) Records(serial string) []CommandRecord {
	var out []CommandRecord
	t.reg.peek(serial, func(r *Ring[*CommandRecord]) {
		out = make([]CommandRecord, 0, r.Len())
		r.Each(func(rec *CommandRecord) {
			out = append(out, *rec)
		})
	})
	return out
}

func (t *Tracker) Forget(serial string) {
	t.reg.deleteIf(serial, nil)
}
