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
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// TimeLayout is the wall-clock format terminals use on the wire.
const TimeLayout = "2006-01-02 15:04:05"

// VerifyMethod classifies how a punch was authenticated on the terminal.
type VerifyMethod string

const (
	VerifyFingerprint VerifyMethod = "fingerprint"
	VerifyPassword    VerifyMethod = "password"
	VerifyRFID        VerifyMethod = "rfid"
	VerifyFace        VerifyMethod = "face"
	VerifyOther       VerifyMethod = "other"
)

// Record is the result of parsing one protocol line.
// It is one of RealTimeLog, InfoRecord or Unrecognized.
type Record interface {
	isRecord()
}

// RealTimeLog is a single attendance punch.
type RealTimeLog struct {
	PIN          string
	VerifyMethod VerifyMethod
	// RawVerify keeps the terminal's own verification code for diagnosis
	RawVerify string
	Timestamp time.Time
}

// InfoRecord is any other key/value record, USER being the one the engine acts on.
type InfoRecord struct {
	Type   string
	Fields map[string]string
}

// Unrecognized is returned for lines that match no known shape.
type Unrecognized struct {
	Line   string
	Reason string
}

func (RealTimeLog) isRecord()  {}
func (InfoRecord) isRecord()   {}
func (Unrecognized) isRecord() {}

const (
	RecordTypeUser = "USER"
	RecordTypeKV   = "KV"
)

// IdentifierKeys lists the user identifier spellings of the known firmware dialects, in priority order.
var IdentifierKeys = []string{"PIN", "pin", "Pin", "PIN2", "UserID", "userid", "uid"}

var timestampKeys = []string{"time", "Time", "DateTime", "datetime", "timestamp", "checktime"}

var verifyKeys = []string{"verifytype", "VerifyType", "verify", "Verify", "verified"}

var timestampLayouts = []string{TimeLayout, "2006-01-02T15:04:05", time.RFC3339}

// SplitLines normalizes \r\n, \r and \n terminators and drops blank lines.
func SplitLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	raw := strings.Split(body, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// ParseLine turns one protocol line into a Record. Terminal wall-clock timestamps are interpreted in loc.
// It never panics on malformed input, unknown shapes come back as Unrecognized.
func ParseLine(line string, loc *time.Location) Record {
	if loc == nil {
		loc = time.Local
	}
	line = strings.Trim(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Unrecognized{Line: line, Reason: "empty line"}
	}

	recordType, rest := splitRecordType(line)
	if !strings.Contains(rest, "=") {
		if recordType == "" {
			if rtl, ok := parsePositionalAttLog(rest, loc); ok {
				return rtl
			}
		}
		return Unrecognized{Line: line, Reason: "no key/value pairs"}
	}

	fields := parseFields(rest)
	if len(fields) == 0 {
		return Unrecognized{Line: line, Reason: "no key/value pairs"}
	}

	if strings.EqualFold(recordType, RecordTypeUser) {
		return InfoRecord{Type: RecordTypeUser, Fields: fields}
	}
	if recordType != "" {
		return InfoRecord{Type: strings.ToUpper(recordType), Fields: fields}
	}

	_, pin, hasPIN := LookupIdentifier(fields)
	rawTime, hasTime := lookupFirst(fields, timestampKeys)
	switch {
	case hasPIN && hasTime:
		ts, err := parseTimestamp(rawTime, loc)
		if err != nil {
			return Unrecognized{Line: line, Reason: "invalid timestamp " + strconv.Quote(rawTime)}
		}
		rawVerify, _ := lookupFirst(fields, verifyKeys)
		return RealTimeLog{
			PIN:          pin,
			VerifyMethod: ClassifyVerify(rawVerify),
			RawVerify:    rawVerify,
			Timestamp:    ts,
		}
	case hasPIN:
		return InfoRecord{Type: RecordTypeUser, Fields: fields}
	default:
		return InfoRecord{Type: RecordTypeKV, Fields: fields}
	}
}

// LookupIdentifier returns the first identifier key present in fields (see IdentifierKeys) with its trimmed value.
func LookupIdentifier(fields map[string]string) (key string, value string, ok bool) {
	for _, k := range IdentifierKeys {
		if v, found := fields[k]; found && strings.TrimSpace(v) != "" {
			return k, strings.TrimSpace(v), true
		}
	}
	return "", "", false
}

// ClassifyVerify maps a terminal verification code or alias to a VerifyMethod.
func ClassifyVerify(raw string) VerifyMethod {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "pw", "pwd", "password":
		return VerifyPassword
	case "1", "fp", "finger", "fingerprint":
		return VerifyFingerprint
	case "2", "rf", "card", "rfid":
		return VerifyRFID
	case "15", "face":
		return VerifyFace
	default:
		return VerifyOther
	}
}

// splitRecordType separates a leading type word such as "USER" from the rest of the line.
// Terminals always put a space after the type word.
func splitRecordType(line string) (string, string) {
	idx := strings.IndexByte(line, ' ')
	if idx <= 0 {
		return "", line
	}
	if tab := strings.IndexByte(line, '\t'); tab >= 0 && tab < idx {
		return "", line
	}
	word := line[:idx]
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return "", line
		}
	}
	return word, strings.TrimLeft(line[idx:], " \t")
}

// parseFields splits KEY=VALUE tokens. Tabs are the preferred separator; on space separated lines
// tokens without '=' continue the previous value, so "time=2024-01-01 10:00:00" stays intact.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)
	if strings.Contains(s, "\t") {
		for _, tok := range strings.Split(s, "\t") {
			addField(fields, tok)
		}
		return fields
	}

	var lastKey string
	for _, tok := range strings.Fields(s) {
		if !strings.Contains(tok, "=") {
			if lastKey != "" {
				fields[lastKey] = fields[lastKey] + " " + tok
			}
			continue
		}
		lastKey = addField(fields, tok)
	}
	return fields
}

func addField(fields map[string]string, tok string) string {
	tok = strings.TrimSpace(tok)
	key, value, found := strings.Cut(tok, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return ""
	}
	// First occurrence wins, repeated keys on one line are firmware noise
	if _, exists := fields[key]; !exists {
		fields[key] = strings.TrimSpace(value)
	}
	return key
}

// parsePositionalAttLog handles the tab separated ATTLOG upload: PIN, time, status, verify, workcode, ...
func parsePositionalAttLog(line string, loc *time.Location) (RealTimeLog, bool) {
	cols := strings.Split(line, "\t")
	if len(cols) < 2 {
		return RealTimeLog{}, false
	}
	pin := strings.TrimSpace(cols[0])
	if pin == "" {
		return RealTimeLog{}, false
	}
	ts, err := parseTimestamp(cols[1], loc)
	if err != nil {
		return RealTimeLog{}, false
	}
	var rawVerify string
	if len(cols) > 3 {
		rawVerify = strings.TrimSpace(cols[3])
	}
	return RealTimeLog{
		PIN:          pin,
		VerifyMethod: ClassifyVerify(rawVerify),
		RawVerify:    rawVerify,
		Timestamp:    ts,
	}, true
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		ts, err = time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

func lookupFirst(fields map[string]string, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// CommandResult is one line of a terminal's devicecmd upload.
type CommandResult struct {
	ID      int64
	Return  string
	Command string
}

// ParseCommandResults decodes "ID=12&Return=0&CMD=DATA" lines. Lines without a numeric ID are skipped.
func ParseCommandResults(body string) []CommandResult {
	var results []CommandResult
	for _, line := range SplitLines(body) {
		values, err := url.ParseQuery(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		id, err := strconv.ParseInt(values.Get("ID"), 10, 64)
		if err != nil {
			continue
		}
		results = append(results, CommandResult{
			ID:      id,
			Return:  values.Get("Return"),
			Command: values.Get("CMD"),
		})
	}
	return results
}

// SanitizeLine replaces control characters so raw terminal text is safe to log.
func SanitizeLine(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}
