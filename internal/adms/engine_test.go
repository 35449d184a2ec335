package adms

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx() context.Context {
	return context.Background()
}

type recordingSink struct {
	mu      sync.Mutex
	punches []PunchEvent
}

func (s *recordingSink) Relay(_ context.Context, punches []PunchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.punches = append(s.punches, punches...)
}

func (s *recordingSink) all() []PunchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PunchEvent(nil), s.punches...)
}

func newTestEngine(clock *fakeClock, sink PunchSink) *Engine {
	return NewEngine(Config{Location: time.UTC, Clock: clock.Now}, sink)
}

func TestEngineIngest(t *testing.T) {
	t.Run("punches-relayed-and-cursor-advanced", func(t *testing.T) {
		clock := newFakeClock(testStart)
		sink := &recordingSink{}
		e := newTestEngine(clock, sink)

		body := "PIN=1\ttime=2024-01-01 10:00:00\tverifytype=1\r\n" +
			"PIN=2\ttime=2024-01-01 09:00:00\tverifytype=2\r\n" +
			"garbage line\r\n"
		res := e.Ingest(ctx(), IngestRequest{Serial: "SN1", Table: "ATTLOG", Body: []byte(body)})
		assert.Equal(t, 3, res.Lines)
		assert.Equal(t, 2, res.Punches)
		assert.Equal(t, 1, res.Unrecognized)

		punches := sink.all()
		require.Len(t, punches, 2)
		assert.Equal(t, "SN1", punches[0].Serial)
		assert.Equal(t, VerifyFingerprint, punches[0].VerifyMethod)
		assert.Equal(t, VerifyRFID, punches[1].VerifyMethod)

		st := e.Device("SN1")
		assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), st.LastCursor)
		assert.Equal(t, testStart, st.LastSeenAt)

		events := e.Events("SN1")
		require.Len(t, events, 1)
		assert.Equal(t, "ATTLOG", events[0].Table)
		assert.Equal(t, 2, events[0].Punches)
		assert.Len(t, e.RawPayloads("SN1"), 1)
	})
	t.Run("older-upload-keeps-cursor", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("PIN=1\ttime=2024-01-01 10:00:00")})
		e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("PIN=1\ttime=2023-06-01 10:00:00")})
		assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), e.Device("SN1").LastCursor)
	})
	t.Run("empty-body", func(t *testing.T) {
		clock := newFakeClock(testStart)
		sink := &recordingSink{}
		e := newTestEngine(clock, sink)
		res := e.Ingest(ctx(), IngestRequest{Serial: "SN1"})
		assert.Equal(t, 0, res.Lines)
		assert.Empty(t, sink.all())
		assert.Equal(t, []string{"SN1"}, e.states.Serials())
	})
	t.Run("users-mark-sync-and-respond", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		e.QueueUserFetch("SN1", "")
		e.Poll("SN1", "")
		clock.Advance(10 * time.Second)

		res := e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("USER PIN=1\tName=A\nUSER PIN=2\tName=B")})
		assert.Equal(t, 2, res.Users)
		assert.Equal(t, 1, res.Responded)
		assert.Equal(t, testStart.Add(10*time.Second), e.Device("SN1").LastUserSyncAt)
		assert.Equal(t, CommandResponded, e.Commands("SN1")[0].State())
	})
	t.Run("stale-scan-inline", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		e.QueueUserFetch("SN1", "")
		e.Poll("SN1", "")
		clock.Advance(StaleAfter)
		e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("PIN=1\ttime=2024-01-01 10:00:00")})
		assert.Equal(t, CommandStale, e.Commands("SN1")[0].State())
	})
	t.Run("devices-isolated", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("PIN=1\ttime=2024-01-01 10:00:00")})
		e.Ingest(ctx(), IngestRequest{Serial: "SN2", Body: []byte("\x00\xff\xfe")})
		assert.True(t, e.Device("SN2").LastCursor.IsZero())
		assert.False(t, e.Device("SN1").LastCursor.IsZero())
	})
}

func TestEnginePoll(t *testing.T) {
	t.Run("nothing-pending", func(t *testing.T) {
		e := newTestEngine(newFakeClock(testStart), nil)
		body, delivered := e.Poll("SN1", "")
		assert.Equal(t, "OK", body)
		assert.Empty(t, delivered)
	})
	t.Run("delivers-and-marks", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		first, queued := e.QueueCommand("SN1", "DATA QUERY USERINFO", "10.0.0.9")
		assert.True(t, queued)
		second, _ := e.QueueCommand("SN1", "DATA QUERY OPTION", "")
		again, queued := e.QueueCommand("SN1", "DATA QUERY USERINFO", "")
		assert.False(t, queued)
		assert.Equal(t, first, again)
		assert.Len(t, e.Commands("SN1"), 2, "duplicate bodies are not recorded")

		body, delivered := e.Poll("SN1", "")
		assert.Equal(t, first+"\n"+second+"\n", body)
		assert.Equal(t, []string{first, second}, delivered)

		for _, rec := range e.Commands("SN1") {
			assert.Equal(t, CommandDelivered, rec.State())
			assert.Equal(t, len(body), *rec.BytesSent)
		}
		assert.Equal(t, "10.0.0.9", e.Commands("SN1")[0].RemoteAddr)

		body, _ = e.Poll("SN1", "")
		assert.Equal(t, "OK", body)
	})
	t.Run("seeds-fetch-on-interval", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := NewEngine(Config{Location: time.UTC, Clock: clock.Now, FetchInterval: time.Minute}, nil)

		body, _ := e.Poll("SN1", "")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "EndTime=2024-01-01 12:00:00"), body)
		assert.Contains(t, body, "DATA QUERY ATTLOG StartTime=2023-12-31 12:00:00")

		clock.Advance(30 * time.Second)
		body, _ = e.Poll("SN1", "")
		assert.Equal(t, "OK", body)

		clock.Advance(30 * time.Second)
		body, _ = e.Poll("SN1", "")
		assert.Contains(t, body, "ATTLOG")
	})
	t.Run("explicit-results", func(t *testing.T) {
		e := newTestEngine(newFakeClock(testStart), nil)
		text, _ := e.QueueCommand("SN1", "DATA UPDATE USERINFO PIN=1\tName=A", "")
		e.Poll("SN1", "")
		id, _ := CommandID(text)
		marked := e.CommandResults("SN1", []byte("ID="+strconv.FormatInt(id, 10)+"&Return=0&CMD=DATA\n"))
		assert.Equal(t, 1, marked)
		assert.Equal(t, "0", e.Commands("SN1")[0].ReturnCode)
	})
}

func TestEngineFetchWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(clock, nil)
	e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("PIN=1\ttime=2024-01-01 10:00:00")})

	text, queued := e.QueueFetchWindow("SN1", "", "")
	assert.True(t, queued)
	assert.Equal(t, "DATA QUERY ATTLOG StartTime=2024-01-01 09:59:59\tEndTime=2024-01-01 12:00:00", CommandBody(text))

	text, queued = e.QueueFetchWindow("SN2", DialectBare, "")
	assert.True(t, queued)
	assert.Equal(t, "ATTLOG", CommandBody(text))

	// The upload answering the fetch marks it responded
	e.Poll("SN1", "")
	e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("1\t2024-01-01 10:30:00\t0\t1")})
	assert.Equal(t, CommandResponded, e.Commands("SN1")[0].State())
}

func TestEngineDevices(t *testing.T) {
	clock := newFakeClock(testStart)
	e := newTestEngine(clock, nil)
	e.Ingest(ctx(), IngestRequest{Serial: "SN2", Body: []byte("USER PIN=1\tName=A")})
	e.Poll("SN1", "")

	devices := e.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "SN1", devices[0].Serial)
	assert.Equal(t, 0, devices[0].CachedUsers)
	assert.True(t, devices[0].UserFetchQueued)
	assert.Equal(t, 1, devices[0].PendingCommands)
	assert.Equal(t, []string{"DATA QUERY USERINFO"}, []string{CommandBody(e.PendingCommands("SN1")[0])})

	assert.Equal(t, 1, devices[1].CachedUsers)
	assert.False(t, devices[1].UserFetchQueued)
	assert.Equal(t, testStart, devices[1].LastUserSyncAt)

	// Asking twice does not queue a second fetch
	devices = e.Devices()
	assert.False(t, devices[0].UserFetchQueued)
	assert.Equal(t, 1, devices[0].PendingCommands)
}

func TestEnginePrune(t *testing.T) {
	clock := newFakeClock(testStart)
	e := newTestEngine(clock, nil)
	e.Ingest(ctx(), IngestRequest{Serial: "SN1", Body: []byte("USER PIN=1\tName=A")})
	e.Poll("SN2", "")
	e.QueueUserFetch("SN2", "")
	clock.Advance(2 * time.Hour)
	e.Poll("SN3", "")

	assert.Equal(t, 1, e.Prune(time.Hour))
	assert.ElementsMatch(t, []string{"SN2", "SN3"}, e.states.Serials())
	assert.Empty(t, e.Users("SN1"))
	assert.Empty(t, e.Events("SN1"))
	assert.Equal(t, 1, len(e.PendingCommands("SN2")), "devices with pending commands survive")
}

func TestEnginePruneKeepsManagedDevices(t *testing.T) {
	t.Run("bulk-insert-on-idle-device", func(t *testing.T) {
		clock := newFakeClock(testStart)
		e := newTestEngine(clock, nil)
		e.Poll("SN1", "")
		clock.Advance(2 * time.Hour)

		_, err := e.BulkInsertUsers("SN1", BulkRequest{Users: []UserDescription{{Name: "A"}}}, "")
		require.NoError(t, err)
		e.Poll("SN1", "")

		assert.Equal(t, 0, e.Prune(time.Hour))
		assert.Len(t, e.Users("SN1"), 1)
		assert.Len(t, e.Commands("SN1"), 1)
	})
	t.Run("concurrent-bulk-insert-stays-consistent", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			clock := newFakeClock(testStart)
			e := newTestEngine(clock, nil)
			e.Poll("SN1", "")
			clock.Advance(2 * time.Hour)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.Prune(time.Hour)
			}()
			go func() {
				defer wg.Done()
				_, err := e.BulkInsertUsers("SN1", BulkRequest{Users: []UserDescription{{Name: "A"}}}, "")
				assert.NoError(t, err)
			}()
			wg.Wait()

			pending := e.PendingCommands("SN1")
			require.Len(t, pending, 1)
			require.Len(t, e.Commands("SN1"), 1, "queued command lost its lifecycle record")
			require.Len(t, e.Users("SN1"), 1, "optimistic user dropped while its command is queued")
			assert.Equal(t, pending[0], e.Commands("SN1")[0].Command)
		}
	})
}

func TestEngineHandshake(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	e := NewEngine(Config{Location: loc, Clock: newFakeClock(testStart).Now}, nil)
	opts := e.Handshake("SN9", HandshakeOptions{PollDelay: 10 * time.Second})
	assert.True(t, strings.HasPrefix(opts, "GET OPTION FROM: SN9\n"))
	assert.Contains(t, opts, "Delay=10\n")
	assert.Contains(t, opts, "ErrorDelay=30\n")
	assert.Contains(t, opts, "TimeZone=2\n")
	assert.Contains(t, opts, "Realtime=1\n")
	assert.Equal(t, []string{"SN9"}, e.states.Serials())
}
