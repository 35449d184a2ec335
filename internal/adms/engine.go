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
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PunchEvent is an accepted punch, handed to the relay for persistence.
type PunchEvent struct {
	Serial       string
	PIN          string
	VerifyMethod VerifyMethod
	Timestamp    time.Time
}

// PunchSink receives the punches of one payload. It is called without any device lock held.
type PunchSink interface {
	Relay(ctx context.Context, punches []PunchEvent)
}

type Config struct {
	// Location interprets terminal wall-clock timestamps, defaults to time.Local
	Location *time.Location
	// FetchDialect is the default attendance fetch command form
	FetchDialect FetchDialect
	// FetchInterval seeds a fetch window on poll when this much time passed since the last one. Zero disables it.
	FetchInterval time.Duration
	Clock         Clock
}

// Engine ties the protocol components together. All per-device state lives in the components,
// the engine itself only sequences them.
type Engine struct {
	states   *StateStore
	queue    *CommandQueue
	tracker  *Tracker
	users    *UserCache
	recorder *Recorder
	sink     PunchSink

	loc           *time.Location
	dialect       FetchDialect
	fetchInterval time.Duration
	clock         Clock
	lastFetch     sync.Map // serial -> time.Time
}

func NewEngine(cfg Config, sink PunchSink) *Engine {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	dialect := cfg.FetchDialect
	if dialect == "" {
		dialect = DialectDataQuery
	}
	return &Engine{
		states:        NewStateStore(cfg.Clock),
		queue:         NewCommandQueue(),
		tracker:       NewTracker(cfg.Clock),
		users:         NewUserCache(cfg.Clock),
		recorder:      NewRecorder(cfg.Clock),
		sink:          sink,
		loc:           loc,
		dialect:       dialect,
		fetchInterval: cfg.FetchInterval,
		clock:         cfg.Clock,
	}
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// Touch records contact from a terminal.
func (e *Engine) Touch(serial string) {
	if e.states.Touch(serial) {
		devicesKnown.Set(float64(e.states.Len()))
		zap.S().Infof("New terminal %s", serial)
	}
}

type IngestRequest struct {
	Serial     string
	Table      string
	RemoteAddr string
	Body       []byte
}

type IngestResult struct {
	Lines          int
	Recognized     int
	Unrecognized   int
	Punches        int
	Users          int
	DuplicateUsers int
	Responded      int
}

// Ingest processes one uploaded payload. Malformed lines are counted and skipped, ingestion never fails.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	serial := req.Serial
	e.Touch(serial)
	e.recorder.RecordRaw(serial, req.Body)
	payloadsTotal.Inc()

	var res IngestResult
	var punches []PunchEvent
	var newest time.Time
	lines := SplitLines(string(req.Body))
	res.Lines = len(lines)

	for _, line := range lines {
		switch rec := ParseLine(line, e.loc).(type) {
		case RealTimeLog:
			res.Recognized++
			punches = append(punches, PunchEvent{
				Serial:       serial,
				PIN:          rec.PIN,
				VerifyMethod: rec.VerifyMethod,
				Timestamp:    rec.Timestamp,
			})
			if rec.Timestamp.After(newest) {
				newest = rec.Timestamp
			}
		case InfoRecord:
			res.Recognized++
			if rec.Type != RecordTypeUser {
				zap.S().Debugf("Ignoring %s record from %s", rec.Type, serial)
				continue
			}
			pin, outcome := e.users.IngestUser(serial, rec.Fields)
			switch outcome {
			case UserDuplicate:
				res.DuplicateUsers++
				res.Users++
				userDuplicatesTotal.Inc()
				zap.S().Debugf("Duplicate user %s from %s ignored", pin, serial)
			case UserWithoutIdentifier:
				zap.S().Debugf("User record without identifier from %s", serial)
			default:
				res.Users++
			}
		case Unrecognized:
			res.Unrecognized++
			zap.S().Debugf("Skipping line from %s (%s): %s", serial, rec.Reason, SanitizeLine(line))
		}
	}
	linesTotal.WithLabelValues("recognized").Add(float64(res.Recognized))
	linesTotal.WithLabelValues("unrecognized").Add(float64(res.Unrecognized))

	res.Punches = len(punches)
	if res.Punches > 0 {
		punchesTotal.Add(float64(res.Punches))
		e.states.AdvanceCursor(serial, newest)
		res.Responded += e.tracker.MarkRespondedMatching(serial, "ATTLOG")
	}
	if res.Users > 0 {
		e.states.MarkUserSync(serial)
		res.Responded += e.tracker.MarkRespondedMatching(serial, "USERINFO")
	}
	if res.Responded > 0 {
		commandsTotal.WithLabelValues(string(CommandResponded)).Add(float64(res.Responded))
	}

	var firstLine string
	if len(lines) > 0 {
		firstLine = lines[0]
	}
	e.recorder.RecordEvent(serial, IngestionEvent{
		Table:        req.Table,
		Lines:        res.Lines,
		Recognized:   res.Recognized,
		Unrecognized: res.Unrecognized,
		Punches:      res.Punches,
		Users:        res.Users,
		FirstLine:    firstLine,
	})
	e.scanStale(serial)

	zap.S().Debugf("Ingested %d lines from %s (table %s): %d punches, %d users, %d unrecognized",
		res.Lines, serial, req.Table, res.Punches, res.Users, res.Unrecognized)

	if len(punches) > 0 && e.sink != nil {
		e.sink.Relay(ctx, punches)
	}
	return res
}

// QueueCommand records and queues body for serial as "C:<id>:<body>".
// A body that is already pending is neither queued nor recorded again, the pending command is returned instead.
func (e *Engine) QueueCommand(serial string, body string, remote string) (string, bool) {
	e.states.MarkActivity(serial)
	text, queued := e.queue.EnqueueFunc(serial, body, func() string {
		return e.tracker.RecordQueued(serial, body, remote).Command
	})
	if queued {
		commandsTotal.WithLabelValues(string(CommandQueued)).Inc()
	}
	return text, queued
}

// Poll answers a terminal's command request. It returns the response body ("OK" when nothing is pending)
// and the delivered commands.
func (e *Engine) Poll(serial string, remote string) (string, []string) {
	e.Touch(serial)
	e.scanStale(serial)
	e.seedFetch(serial, remote)

	commands := e.queue.Drain(serial)
	if len(commands) == 0 {
		return "OK", nil
	}
	body := strings.Join(commands, "\n") + "\n"

	ids := make([]int64, 0, len(commands))
	for _, c := range commands {
		if id, ok := CommandID(c); ok {
			ids = append(ids, id)
		}
	}
	delivered := e.tracker.MarkDelivered(serial, ids, len(body))
	commandsTotal.WithLabelValues(string(CommandDelivered)).Add(float64(delivered))
	zap.S().Debugf("Delivering %d commands to %s", len(commands), serial)
	return body, commands
}

// CommandResults applies a terminal's explicit devicecmd answers.
func (e *Engine) CommandResults(serial string, body []byte) int {
	e.Touch(serial)
	marked := e.tracker.MarkResponded(serial, ParseCommandResults(string(body)))
	if marked > 0 {
		commandsTotal.WithLabelValues(string(CommandResponded)).Add(float64(marked))
	}
	return marked
}

// QueueFetchWindow queues an attendance fetch starting just before the device's cursor.
// An empty dialect selects the configured default.
func (e *Engine) QueueFetchWindow(serial string, dialect FetchDialect, remote string) (string, bool) {
	if dialect == "" {
		dialect = e.dialect
	}
	cursor := e.states.Get(serial).LastCursor
	now := e.clock.now().In(e.loc)
	e.lastFetch.Store(serial, now)
	return e.QueueCommand(serial, BuildFetchCommand(dialect, cursor, now), remote)
}

// QueueUserFetch asks the terminal to upload all its users.
func (e *Engine) QueueUserFetch(serial string, remote string) (string, bool) {
	return e.QueueCommand(serial, CommandQueryUsers, remote)
}

func (e *Engine) seedFetch(serial string, remote string) {
	if e.fetchInterval <= 0 {
		return
	}
	if last, ok := e.lastFetch.Load(serial); ok && e.clock.now().Sub(last.(time.Time)) < e.fetchInterval {
		return
	}
	e.QueueFetchWindow(serial, "", remote)
}

func (e *Engine) scanStale(serial string) {
	if n := e.tracker.ScanStale(serial); n > 0 {
		commandsTotal.WithLabelValues(string(CommandStale)).Add(float64(n))
		zap.S().Warnf("%d commands to %s went stale", n, serial)
	}
}

// BulkInsertUsers turns req into USERINFO update commands for serial.
// Items fail individually, only a missing serial fails the whole request.
func (e *Engine) BulkInsertUsers(serial string, req BulkRequest, remote string) (BulkResult, error) {
	if strings.TrimSpace(serial) == "" {
		return BulkResult{}, ErrMissingSerial
	}
	e.states.MarkActivity(serial)

	var commands []pendingUserCommand
	var result BulkResult
	e.users.Update(serial, func(d *DeviceUsers, now time.Time) {
		commands, result.Results = buildUserCommands(d, req, now)
		result.NextPIN = d.NextAvailablePIN(req.StartPIN)
	})

	for _, c := range commands {
		text, queued := e.QueueCommand(serial, c.body, remote)
		if queued {
			result.CommandsQueued++
		}
		if id, ok := CommandID(text); ok {
			result.Results[c.index].CommandID = id
		}
	}
	if req.Verify && len(commands) > 0 {
		if _, queued := e.QueueUserFetch(serial, remote); queued {
			result.CommandsQueued++
		}
	}
	return result, nil
}

// DeviceHealth is the health endpoint view of one terminal.
type DeviceHealth struct {
	Serial          string    `json:"serial"`
	LastCursor      time.Time `json:"last_cursor"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastUserSyncAt  time.Time `json:"last_user_sync_at"`
	CachedUsers     int       `json:"cached_users"`
	PendingCommands int       `json:"pending_commands"`
	UserFetchQueued bool      `json:"user_fetch_queued"`
}

// Devices reports every known terminal. Devices with an empty user cache get a user fetch queued.
func (e *Engine) Devices() []DeviceHealth {
	serials := e.states.Serials()
	out := make([]DeviceHealth, 0, len(serials))
	for _, serial := range serials {
		st := e.states.Get(serial)
		h := DeviceHealth{
			Serial:         serial,
			LastCursor:     st.LastCursor,
			LastSeenAt:     st.LastSeenAt,
			LastUserSyncAt: st.LastUserSyncAt,
			CachedUsers:    e.users.Count(serial),
		}
		if h.CachedUsers == 0 {
			_, h.UserFetchQueued = e.QueueUserFetch(serial, "")
		}
		h.PendingCommands = e.queue.Len(serial)
		out = append(out, h)
	}
	return out
}

func (e *Engine) Device(serial string) DeviceState {
	return e.states.Get(serial)
}

func (e *Engine) Commands(serial string) []CommandRecord {
	return e.tracker.Records(serial)
}

func (e *Engine) PendingCommands(serial string) []string {
	return e.queue.Pending(serial)
}

func (e *Engine) Events(serial string) []IngestionEvent {
	return e.recorder.Events(serial)
}

func (e *Engine) RawPayloads(serial string) []RawPayloadSnapshot {
	return e.recorder.RawPayloads(serial)
}

func (e *Engine) Users(serial string) []UserRecord {
	return e.users.Users(serial)
}

func (e *Engine) NextAvailablePIN(serial string, hint string) string {
	return e.users.NextAvailablePIN(serial, hint)
}

// Prune forgets terminals idle for longer than maxIdle. Devices with pending commands are kept.
func (e *Engine) Prune(maxIdle time.Duration) int {
	cutoff := e.clock.now().Add(-maxIdle)
	var pruned int
	for _, serial := range e.states.IdleSerials(cutoff) {
		forgotten := e.states.Forget(serial, cutoff, func() bool {
			if !e.queue.ForgetIfEmpty(serial) {
				return false
			}
			e.tracker.Forget(serial)
			e.users.Forget(serial)
			e.recorder.Forget(serial)
			e.lastFetch.Delete(serial)
			return true
		})
		if forgotten {
			pruned++
		}
	}
	if pruned > 0 {
		devicesKnown.Set(float64(e.states.Len()))
		zap.S().Infof("Pruned %d idle terminals", pruned)
	}
	return pruned
}
