package adms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLines(t *testing.T) {
	t.Run("mixed-terminators", func(t *testing.T) {
		lines := SplitLines("a=1\r\nb=2\rc=3\n\n\r\nd=4")
		assert.Equal(t, []string{"a=1", "b=2", "c=3", "d=4"}, lines)
	})
	t.Run("empty-body", func(t *testing.T) {
		assert.Empty(t, SplitLines(""))
		assert.Empty(t, SplitLines("\r\n \n"))
	})
}

func TestParseLine(t *testing.T) {
	loc := time.UTC

	t.Run("realtime-log-tabs", func(t *testing.T) {
		rec := ParseLine("PIN=12\ttime=2024-01-01 10:00:00\tverifytype=1", loc)
		rtl, ok := rec.(RealTimeLog)
		require.True(t, ok)
		assert.Equal(t, "12", rtl.PIN)
		assert.Equal(t, VerifyFingerprint, rtl.VerifyMethod)
		assert.Equal(t, "1", rtl.RawVerify)
		assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, loc), rtl.Timestamp)
	})
	t.Run("realtime-log-any-order-spaces", func(t *testing.T) {
		rec := ParseLine("verify=face time=2024-01-01 10:00:00 pin=5", loc)
		rtl, ok := rec.(RealTimeLog)
		require.True(t, ok)
		assert.Equal(t, "5", rtl.PIN)
		assert.Equal(t, VerifyFace, rtl.VerifyMethod)
		assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, loc), rtl.Timestamp)
	})
	t.Run("realtime-log-rfc3339", func(t *testing.T) {
		rec := ParseLine("UserID=9\tDateTime=2024-03-01T08:30:00Z", loc)
		rtl, ok := rec.(RealTimeLog)
		require.True(t, ok)
		assert.Equal(t, "9", rtl.PIN)
		assert.Equal(t, VerifyOther, rtl.VerifyMethod)
	})
	t.Run("positional-attlog", func(t *testing.T) {
		rec := ParseLine("42\t2024-01-01 09:00:00\t0\t15\t0\t0", loc)
		rtl, ok := rec.(RealTimeLog)
		require.True(t, ok)
		assert.Equal(t, "42", rtl.PIN)
		assert.Equal(t, VerifyFace, rtl.VerifyMethod)
	})
	t.Run("positional-attlog-alphabetic-pin", func(t *testing.T) {
		rec := ParseLine("abc\t2024-01-01 09:00:00\t0\t1", loc)
		rtl, ok := rec.(RealTimeLog)
		require.True(t, ok)
		assert.Equal(t, "abc", rtl.PIN)
	})
	t.Run("typed-user", func(t *testing.T) {
		rec := ParseLine("USER PIN=1\tName=Alice\tCard=123", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, RecordTypeUser, info.Type)
		assert.Equal(t, "Alice", info.Fields["Name"])
		assert.Equal(t, "123", info.Fields["Card"])
	})
	t.Run("typed-user-lowercase", func(t *testing.T) {
		rec := ParseLine("user pin=1 name=Alice", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, RecordTypeUser, info.Type)
	})
	t.Run("other-type", func(t *testing.T) {
		rec := ParseLine("OPLOG OpType=4\tOpWho=0", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, "OPLOG", info.Type)
	})
	t.Run("untyped-identifier-only-is-user", func(t *testing.T) {
		rec := ParseLine("PIN=7\tName=Carol", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, RecordTypeUser, info.Type)
		assert.Equal(t, "7", info.Fields["PIN"])
	})
	t.Run("untyped-kv", func(t *testing.T) {
		rec := ParseLine("~DeviceName=F22\tFWVersion=6.60", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, RecordTypeKV, info.Type)
	})
	t.Run("first-key-wins", func(t *testing.T) {
		rec := ParseLine("PIN=1\tName=A\tName=B", loc)
		info, ok := rec.(InfoRecord)
		require.True(t, ok)
		assert.Equal(t, "A", info.Fields["Name"])
	})
	t.Run("invalid-timestamp", func(t *testing.T) {
		rec := ParseLine("PIN=1\ttime=yesterday", loc)
		_, ok := rec.(Unrecognized)
		assert.True(t, ok)
	})
	t.Run("garbage", func(t *testing.T) {
		for _, line := range []string{"", "   ", "hello world", "=", "\x00\x01", "PIN\t"} {
			_, ok := ParseLine(line, loc).(Unrecognized)
			assert.Truef(t, ok, "line %q", line)
		}
	})
	t.Run("nil-location", func(t *testing.T) {
		assert.NotPanics(t, func() {
			ParseLine("PIN=1\ttime=2024-01-01 10:00:00", nil)
		})
	})
}

func TestClassifyVerify(t *testing.T) {
	cases := map[string]VerifyMethod{
		"0":           VerifyPassword,
		"pw":          VerifyPassword,
		"1":           VerifyFingerprint,
		"FP":          VerifyFingerprint,
		"fingerprint": VerifyFingerprint,
		"2":           VerifyRFID,
		"card":        VerifyRFID,
		"15":          VerifyFace,
		" face ":      VerifyFace,
		"":            VerifyOther,
		"4":           VerifyOther,
	}
	for raw, want := range cases {
		assert.Equalf(t, want, ClassifyVerify(raw), "raw %q", raw)
	}
}

func TestLookupIdentifier(t *testing.T) {
	key, value, ok := LookupIdentifier(map[string]string{"uid": "3", "PIN": "1"})
	assert.True(t, ok)
	assert.Equal(t, "PIN", key)
	assert.Equal(t, "1", value)

	_, _, ok = LookupIdentifier(map[string]string{"PIN": " ", "Name": "x"})
	assert.False(t, ok)
}

func TestParseCommandResults(t *testing.T) {
	results := ParseCommandResults("ID=3&Return=0&CMD=DATA\r\nnonsense\nID=x&Return=1\nID=4&Return=-1002&CMD=DATA\n")
	require.Len(t, results, 2)
	assert.Equal(t, CommandResult{ID: 3, Return: "0", Command: "DATA"}, results[0])
	assert.Equal(t, int64(4), results[1].ID)
	assert.Equal(t, "-1002", results[1].Return)
}

func TestSanitizeLine(t *testing.T) {
	assert.Equal(t, "a b c", SanitizeLine("a\tb\x00c"))
}
