package spool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
)

// flakyAppender fails the next `failures` appends.
type flakyAppender struct {
	mu       sync.Mutex
	failures int
	appended []store.PunchRecord
}

func (f *flakyAppender) AppendPunch(_ context.Context, rec store.PunchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database unavailable")
	}
	f.appended = append(f.appended, rec)
	return nil
}

func (f *flakyAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func TestSpool(t *testing.T) {
	t.Run("persists-across-reopen", func(t *testing.T) {
		path := t.TempDir()
		s, err := Open(path)
		require.NoError(t, err)
		rec := store.PunchRecord{ID: uuid.New(), Serial: "SN1", PIN: "7", PunchedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
		require.NoError(t, s.Push(rec))
		assert.Equal(t, uint64(1), s.Len())
		require.NoError(t, s.Close())

		s, err = Open(path)
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, uint64(1), s.Len())
	})
	t.Run("replays-in-order-with-retries", func(t *testing.T) {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			rec := store.PunchRecord{ID: uuid.New(), Serial: "SN1", PIN: "7"}
			ids = append(ids, rec.ID)
			require.NoError(t, s.Push(rec))
		}

		appender := &flakyAppender{failures: 2}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx, appender)
			close(done)
		}()

		assert.Eventually(t, func() bool { return appender.count() == 3 }, 5*time.Second, 10*time.Millisecond)
		cancel()
		<-done

		assert.Equal(t, uint64(0), s.Len())
		for i, rec := range appender.appended {
			assert.Equal(t, ids[i], rec.ID)
		}
	})
	t.Run("run-stops-on-cancel", func(t *testing.T) {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx, &flakyAppender{})
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}
