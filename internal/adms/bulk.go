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
	"unicode"
)

const (
	CommandQueryUsers  = "DATA QUERY USERINFO"
	commandUpdateUsers = "DATA UPDATE USERINFO"
)

// UserDescription is one user of a bulk insert request.
type UserDescription struct {
	Name        string `json:"name"`
	PIN         string `json:"pin,omitempty"`
	Card        string `json:"card,omitempty"`
	Privilege   string `json:"privilege,omitempty"`
	Department  string `json:"department,omitempty"`
	Password    string `json:"password,omitempty"`
	Group       string `json:"group,omitempty"`
	SecondaryID string `json:"secondary_id,omitempty"`
}

type BulkRequest struct {
	Users []UserDescription `json:"users"`
	// StartPIN is the allocation hint for users without an explicit PIN
	StartPIN string `json:"start_pin,omitempty"`
	// Verify appends a user query so the terminal reports back what it stored
	Verify bool `json:"verify"`
}

type BulkItemResult struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	PIN       string `json:"pin,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	CommandID int64  `json:"command_id,omitempty"`
}

type BulkResult struct {
	Results        []BulkItemResult `json:"results"`
	CommandsQueued int              `json:"commands_queued"`
	NextPIN        string           `json:"next_pin"`
}

// userLabels are the field names a firmware dialect expects in USERINFO updates.
type userLabels struct {
	Name, Privilege, Password, Card, Group, Department, Secondary string
}

var (
	legacyLabels = userLabels{
		Name:       "Name",
		Privilege:  "Pri",
		Password:   "Passwd",
		Card:       "Card",
		Group:      "Grp",
		Department: "Dept",
		Secondary:  "PIN2",
	}
	lowercaseLabels = userLabels{
		Name:       "name",
		Privilege:  "privilege",
		Password:   "password",
		Card:       "cardno",
		Group:      "group",
		Department: "dept",
		Secondary:  "pin2",
	}
)

func labelsFor(identifierKey string) userLabels {
	switch identifierKey {
	case "pin", "userid", "uid":
		return lowercaseLabels
	default:
		return legacyLabels
	}
}

// pendingUserCommand is a USERINFO update built for one request item.
type pendingUserCommand struct {
	index int
	body  string
}

// buildUserCommands validates the request against the cache of one device, allocates PINs,
// inserts the new users optimistically, and returns the command bodies to queue.
// The caller must hold the device's user cache lock (see UserCache.Update).
func buildUserCommands(d *DeviceUsers, req BulkRequest, now time.Time) ([]pendingUserCommand, []BulkItemResult) {
	idKey := d.IdentifierKey()
	labels := labelsFor(idKey)
	hint := req.StartPIN

	commands := make([]pendingUserCommand, 0, len(req.Users))
	results := make([]BulkItemResult, 0, len(req.Users))
	for i, desc := range req.Users {
		name := cleanValue(desc.Name)
		res := BulkItemResult{Index: i, Name: name}
		if name == "" {
			res.Error = ErrEmptyName.Error()
			results = append(results, res)
			continue
		}

		pin := strings.TrimSpace(desc.PIN)
		if pin == "" {
			pin = d.NextAvailablePIN(hint)
		} else if !validPIN(pin) {
			res.PIN = pin
			res.Error = ErrInvalidPIN.Error()
			results = append(results, res)
			continue
		}
		res.PIN = pin
		if d.Has(pin) {
			res.Error = ErrPINExists.Error()
			results = append(results, res)
			continue
		}

		attrs := userAttributes(idKey, labels, pin, name, desc)
		d.InsertOptimistic(pin, attrs, now)
		commands = append(commands, pendingUserCommand{index: i, body: userUpdateBody(idKey, labels, attrs)})
		res.OK = true
		results = append(results, res)
	}
	return commands, results
}

func userAttributes(idKey string, labels userLabels, pin string, name string, desc UserDescription) map[string]string {
	attrs := map[string]string{
		idKey:       pin,
		labels.Name: name,
	}
	optional := []struct{ label, value string }{
		{labels.Privilege, desc.Privilege},
		{labels.Password, desc.Password},
		{labels.Card, desc.Card},
		{labels.Group, desc.Group},
		{labels.Department, desc.Department},
		{labels.Secondary, desc.SecondaryID},
	}
	for _, o := range optional {
		// PIN2 firmwares identify users by the label otherwise used for the secondary id
		if o.label == idKey {
			continue
		}
		if v := cleanValue(o.value); v != "" {
			attrs[o.label] = v
		}
	}
	return attrs
}

// userUpdateBody renders "DATA UPDATE USERINFO PIN=1\tName=...". Field order is fixed so equal users yield equal commands.
func userUpdateBody(idKey string, labels userLabels, attrs map[string]string) string {
	order := []string{idKey, labels.Name, labels.Privilege, labels.Password, labels.Card, labels.Group, labels.Department, labels.Secondary}
	pairs := make([]string, 0, len(order))
	emitted := make(map[string]struct{}, len(order))
	for _, key := range order {
		if _, dup := emitted[key]; dup {
			continue
		}
		if v, ok := attrs[key]; ok {
			pairs = append(pairs, key+"="+v)
			emitted[key] = struct{}{}
		}
	}
	return commandUpdateUsers + " " + strings.Join(pairs, "\t")
}

// cleanValue trims control characters and spaces and flattens separators that would break the line protocol.
func cleanValue(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	})
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

func validPIN(pin string) bool {
	return !strings.ContainsAny(pin, " \t\r\n=")
}
