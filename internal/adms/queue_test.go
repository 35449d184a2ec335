package adms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue(t *testing.T) {
	t.Run("idempotent-enqueue", func(t *testing.T) {
		q := NewCommandQueue()
		assert.True(t, q.Enqueue("SN1", "C:1:DATA QUERY USERINFO"))
		assert.False(t, q.Enqueue("SN1", "C:1:DATA QUERY USERINFO"))
		assert.Equal(t, 1, q.Len("SN1"))
	})
	t.Run("duplicate-body-different-id", func(t *testing.T) {
		q := NewCommandQueue()
		assert.True(t, q.Enqueue("SN1", "C:1:DATA QUERY USERINFO"))
		assert.False(t, q.Enqueue("SN1", "C:2:DATA QUERY USERINFO"))
		assert.Equal(t, []string{"C:1:DATA QUERY USERINFO"}, q.Pending("SN1"))
	})
	t.Run("devices-independent", func(t *testing.T) {
		q := NewCommandQueue()
		assert.True(t, q.Enqueue("SN1", "C:1:ATTLOG"))
		assert.True(t, q.Enqueue("SN2", "C:1:ATTLOG"))
	})
	t.Run("drain-empties", func(t *testing.T) {
		q := NewCommandQueue()
		q.Enqueue("SN1", "C:1:A")
		q.Enqueue("SN1", "C:2:B")
		assert.Equal(t, []string{"C:1:A", "C:2:B"}, q.Drain("SN1"))
		assert.Empty(t, q.Drain("SN1"))
		assert.Equal(t, 0, q.Len("SN1"))
		// Drained bodies may be queued again
		assert.True(t, q.Enqueue("SN1", "C:3:A"))
	})
	t.Run("drain-unknown-serial", func(t *testing.T) {
		assert.Empty(t, NewCommandQueue().Drain("SN404"))
	})
	t.Run("enqueue-func-returns-pending", func(t *testing.T) {
		q := NewCommandQueue()
		text, queued := q.EnqueueFunc("SN1", "ATTLOG", func() string { return "C:5:ATTLOG" })
		assert.True(t, queued)
		assert.Equal(t, "C:5:ATTLOG", text)
		text, queued = q.EnqueueFunc("SN1", "ATTLOG", func() string {
			t.Fatal("build must not run for pending bodies")
			return ""
		})
		assert.False(t, queued)
		assert.Equal(t, "C:5:ATTLOG", text)
	})
	t.Run("no-command-lost-under-concurrent-drain", func(t *testing.T) {
		q := NewCommandQueue()
		const n = 2000
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[string]int)
		done := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				q.Enqueue("SN1", FormatCommand(int64(i), fmt.Sprintf("CMD %d", i)))
			}
			close(done)
		}()
		collect := func(cmds []string) {
			mu.Lock()
			for _, c := range cmds {
				seen[c]++
			}
			mu.Unlock()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					collect(q.Drain("SN1"))
					return
				default:
					collect(q.Drain("SN1"))
				}
			}
		}()
		wg.Wait()

		require.Len(t, seen, n)
		for c, count := range seen {
			assert.Equalf(t, 1, count, "command %s delivered %d times", c, count)
		}
	})
	t.Run("forget-if-empty", func(t *testing.T) {
		q := NewCommandQueue()
		q.Enqueue("SN1", "C:1:A")
		assert.False(t, q.ForgetIfEmpty("SN1"))
		q.Drain("SN1")
		assert.True(t, q.ForgetIfEmpty("SN1"))
	})
}

func TestCommandIDs(t *testing.T) {
	assert.Equal(t, "C:12:DATA QUERY USERINFO", FormatCommand(12, CommandQueryUsers))
	id, ok := CommandID("C:12:DATA QUERY USERINFO")
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)
	assert.Equal(t, "DATA QUERY USERINFO", CommandBody("C:12:DATA QUERY USERINFO"))

	_, ok = CommandID("DATA QUERY USERINFO")
	assert.False(t, ok)
	_, ok = CommandID("C:x:ATTLOG")
	assert.False(t, ok)
	assert.Equal(t, "C:x:ATTLOG", CommandBody("C:x:ATTLOG"))
}
