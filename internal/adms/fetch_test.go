package adms

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildFetchCommand(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	t.Run("cursor-minus-one-second", func(t *testing.T) {
		cursor := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		cmd := BuildFetchCommand(DialectDataQuery, cursor, now)
		assert.Equal(t, "DATA QUERY ATTLOG StartTime=2024-01-01 09:59:59\tEndTime=2024-01-01 12:30:00", cmd)
	})
	t.Run("no-cursor-lookback", func(t *testing.T) {
		cmd := BuildFetchCommand(DialectGet, time.Time{}, now)
		assert.Equal(t, "GET ATTLOG StartTime=2023-12-31 12:30:00\tEndTime=2024-01-01 12:30:00", cmd)
	})
	t.Run("bare", func(t *testing.T) {
		assert.Equal(t, "ATTLOG", BuildFetchCommand(DialectBare, now, now))
	})
	t.Run("window", func(t *testing.T) {
		cursor := now.Add(-time.Hour)
		start, end := FetchWindow(cursor, now)
		assert.Equal(t, cursor.Add(-time.Second), start)
		assert.Equal(t, now, end)
	})
}

func TestParseFetchDialect(t *testing.T) {
	for in, want := range map[string]FetchDialect{
		"":           DialectDataQuery,
		"data_query": DialectDataQuery,
		"GET":        DialectGet,
		" bare ":     DialectBare,
	} {
		got, err := ParseFetchDialect(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFetchDialect("SOAP")
	assert.True(t, errors.Is(err, ErrUnknownDialect))
}
