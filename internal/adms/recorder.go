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
	"time"
	"unicode/utf8"

	"github.com/cristalhq/base64"
)

const (
	EventHistorySize = 300
	RawHistorySize   = 100
	// RawSnapshotLimit caps the stored text of a single payload, in bytes
	RawSnapshotLimit = 4096
	firstLineLimit   = 256
)

// IngestionEvent summarizes one uploaded payload.
type IngestionEvent struct {
	At           time.Time `json:"at"`
	Table        string    `json:"table,omitempty"`
	Lines        int       `json:"lines"`
	Recognized   int       `json:"recognized"`
	Unrecognized int       `json:"unrecognized"`
	Punches      int       `json:"punches"`
	Users        int       `json:"users"`
	FirstLine    string    `json:"first_line"`
}

const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// RawPayloadSnapshot keeps the (truncated) text of an upload for replay.
// Binary uploads such as photos are kept base64 encoded.
type RawPayloadSnapshot struct {
	At        time.Time `json:"at"`
	Bytes     int       `json:"bytes"`
	Encoding  string    `json:"encoding"`
	Text      string    `json:"text"`
	Truncated bool      `json:"truncated"`
}

type deviceHistory struct {
	events *Ring[IngestionEvent]
	raw    *Ring[RawPayloadSnapshot]
}

// Recorder keeps bounded ingestion history per device for diagnosis without a database.
type Recorder struct {
	reg   *registry[deviceHistory]
	clock Clock
}

func NewRecorder(clock Clock) *Recorder {
	return &Recorder{
		reg: newRegistry(func(string) *deviceHistory {
			return &deviceHistory{
				events: NewRing[IngestionEvent](EventHistorySize),
				raw:    NewRing[RawPayloadSnapshot](RawHistorySize),
			}
		}),
		clock: clock,
	}
}

// RecordEvent appends ev, stamping it with the current time when At is unset.
func (r *Recorder) RecordEvent(serial string, ev IngestionEvent) {
	if ev.At.IsZero() {
		ev.At = r.clock.now()
	}
	ev.FirstLine = truncate(SanitizeLine(ev.FirstLine), firstLineLimit)
	r.reg.with(serial, func(h *deviceHistory) {
		h.events.Push(ev)
	})
}

func (r *Recorder) RecordRaw(serial string, body []byte) {
	snapshot := RawPayloadSnapshot{
		At:    r.clock.now(),
		Bytes: len(body),
	}
	if utf8.Valid(body) {
		snapshot.Encoding = EncodingText
		snapshot.Text = truncate(string(body), RawSnapshotLimit)
		snapshot.Truncated = len(snapshot.Text) < len(body)
	} else {
		kept := body
		if len(kept) > RawSnapshotLimit {
			kept = kept[:RawSnapshotLimit]
		}
		snapshot.Encoding = EncodingBase64
		snapshot.Text = base64.StdEncoding.EncodeToString(kept)
		snapshot.Truncated = len(kept) < len(body)
	}
	r.reg.with(serial, func(h *deviceHistory) {
		h.raw.Push(snapshot)
	})
}

func (r *Recorder) Events(serial string) []IngestionEvent {
	var out []IngestionEvent
	r.reg.peek(serial, func(h *deviceHistory) {
		out = h.events.Items()
	})
	return out
}

func (r *Recorder) RawPayloads(serial string) []RawPayloadSnapshot {
	var out []RawPayloadSnapshot
	r.reg.peek(serial, func(h *deviceHistory) {
		out = h.raw.Items()
	})
	return out
}

func (r *Recorder) Forget(serial string) {
	r.reg.deleteIf(serial, nil)
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}
