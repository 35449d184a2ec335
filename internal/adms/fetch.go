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
	"fmt"
	"strings"
	"time"
)

// FetchDialect selects how a firmware wants to be asked for attendance logs.
type FetchDialect string

const (
	DialectDataQuery FetchDialect = "DATA_QUERY"
	DialectGet       FetchDialect = "GET"
	DialectBare      FetchDialect = "BARE"
)

const (
	// DefaultLookback is the window used for devices without a cursor
	DefaultLookback = 24 * time.Hour
	// CursorOverlap re-reads the second of the cursor, records sharing it may have been cut off
	CursorOverlap = time.Second
)

// ParseFetchDialect accepts the dialect names case-insensitively. An empty string selects DATA_QUERY.
func ParseFetchDialect(s string) (FetchDialect, error) {
	switch FetchDialect(strings.ToUpper(strings.TrimSpace(s))) {
	case "", DialectDataQuery:
		return DialectDataQuery, nil
	case DialectGet:
		return DialectGet, nil
	case DialectBare:
		return DialectBare, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, s)
	}
}

// FetchWindow returns the attendance window to request: [cursor-1s, now], or the last 24 hours without a cursor.
func FetchWindow(cursor time.Time, now time.Time) (start time.Time, end time.Time) {
	if cursor.IsZero() {
		return now.Add(-DefaultLookback), now
	}
	return cursor.Add(-CursorOverlap), now
}

// BuildFetchCommand renders the attendance fetch command body for dialect.
// The times are formatted in the location they carry, which must be the terminal's.
func BuildFetchCommand(dialect FetchDialect, cursor time.Time, now time.Time) string {
	start, end := FetchWindow(cursor, now)
	rangeArgs := "StartTime=" + start.Format(TimeLayout) + "\tEndTime=" + end.Format(TimeLayout)
	switch dialect {
	case DialectGet:
		return "GET ATTLOG " + rangeArgs
	case DialectBare:
		return "ATTLOG"
	default:
		return "DATA QUERY ATTLOG " + rangeArgs
	}
}
