package adms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t.Run("events-bounded", func(t *testing.T) {
		r := NewRecorder(nil)
		for i := 0; i < EventHistorySize+1; i++ {
			r.RecordEvent("SN1", IngestionEvent{Lines: i})
		}
		events := r.Events("SN1")
		assert.Len(t, events, EventHistorySize)
		assert.Equal(t, 1, events[0].Lines)
		assert.False(t, events[0].At.IsZero())
	})
	t.Run("raw-bounded-and-truncated", func(t *testing.T) {
		r := NewRecorder(nil)
		for i := 0; i < RawHistorySize+1; i++ {
			r.RecordRaw("SN1", []byte("PIN=1"))
		}
		assert.Len(t, r.RawPayloads("SN1"), RawHistorySize)

		big := strings.Repeat("x", RawSnapshotLimit+10)
		r.RecordRaw("SN2", []byte(big))
		raw := r.RawPayloads("SN2")
		require.Len(t, raw, 1)
		assert.True(t, raw[0].Truncated)
		assert.Equal(t, len(big), raw[0].Bytes)
		assert.Len(t, raw[0].Text, RawSnapshotLimit)
		assert.Equal(t, EncodingText, raw[0].Encoding)
	})
	t.Run("binary-base64", func(t *testing.T) {
		r := NewRecorder(nil)
		r.RecordRaw("SN1", []byte{0xff, 0xd8, 0xff, 0xe0})
		raw := r.RawPayloads("SN1")
		require.Len(t, raw, 1)
		assert.Equal(t, EncodingBase64, raw[0].Encoding)
		assert.Equal(t, "/9j/4A==", raw[0].Text)
		assert.False(t, raw[0].Truncated)
		assert.Equal(t, 4, raw[0].Bytes)
	})
	t.Run("first-line-sanitized", func(t *testing.T) {
		r := NewRecorder(nil)
		r.RecordEvent("SN1", IngestionEvent{FirstLine: "PIN=1\tName=" + strings.Repeat("é", 300)})
		ev := r.Events("SN1")[0]
		assert.NotContains(t, ev.FirstLine, "\t")
		assert.LessOrEqual(t, len(ev.FirstLine), firstLineLimit)
	})
	t.Run("unknown-serial", func(t *testing.T) {
		r := NewRecorder(nil)
		assert.Empty(t, r.Events("SN404"))
		assert.Empty(t, r.RawPayloads("SN404"))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	// "é" is two bytes, a cut in the middle drops it
	assert.Equal(t, "a", truncate("aé", 2))
}
