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
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultIdentifierKey is used for devices that have not uploaded a user yet.
const DefaultIdentifierKey = "PIN"

// UserRecord is a cached terminal user.
type UserRecord struct {
	PIN        string            `json:"pin"`
	Attributes map[string]string `json:"attributes"`
	// Optimistic entries were written by a bulk insert and wait for the terminal's confirmation
	Optimistic bool      `json:"optimistic"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type UserIngestOutcome int

const (
	UserInserted UserIngestOutcome = iota
	UserConfirmed
	UserDuplicate
	UserWithoutIdentifier
)

// DeviceUsers is the user cache of a single device. It is only reachable through UserCache,
// which holds the device lock while callers use it.
type DeviceUsers struct {
	users         map[string]*UserRecord
	identifierKey string
	duplicates    int
}

func newDeviceUsers(string) *DeviceUsers {
	return &DeviceUsers{users: make(map[string]*UserRecord)}
}

// IdentifierKey returns the identifier spelling detected for this device.
func (d *DeviceUsers) IdentifierKey() string {
	if d.identifierKey == "" {
		return DefaultIdentifierKey
	}
	return d.identifierKey
}

func (d *DeviceUsers) Has(pin string) bool {
	_, ok := d.users[pin]
	return ok
}

func (d *DeviceUsers) Len() int {
	return len(d.users)
}

func (d *DeviceUsers) Duplicates() int {
	return d.duplicates
}

// Ingest stores a USER record uploaded by the terminal. The first record for a PIN wins,
// later ones only bump the duplicate counter. Optimistic entries are replaced by the terminal's version.
func (d *DeviceUsers) Ingest(fields map[string]string, now time.Time) (string, UserIngestOutcome) {
	pin, ok := d.extractPIN(fields)
	if !ok {
		return "", UserWithoutIdentifier
	}

	existing, found := d.users[pin]
	switch {
	case found && existing.Optimistic:
		existing.Attributes = copyFields(fields)
		existing.Optimistic = false
		existing.UpdatedAt = now
		return pin, UserConfirmed
	case found:
		d.duplicates++
		return pin, UserDuplicate
	}

	d.users[pin] = &UserRecord{
		PIN:        pin,
		Attributes: copyFields(fields),
		UpdatedAt:  now,
	}
	return pin, UserInserted
}

// extractPIN reads the identifier. The spelling seen on the first record becomes the device's
// identifier key and is preferred from then on.
func (d *DeviceUsers) extractPIN(fields map[string]string) (string, bool) {
	if d.identifierKey != "" {
		if v := strings.TrimSpace(fields[d.identifierKey]); v != "" {
			return v, true
		}
	}
	key, value, ok := LookupIdentifier(fields)
	if !ok {
		return "", false
	}
	if d.identifierKey == "" {
		d.identifierKey = key
	}
	return value, true
}

// InsertOptimistic adds a user that was only requested, not yet confirmed. Existing PINs are left alone.
func (d *DeviceUsers) InsertOptimistic(pin string, attributes map[string]string, now time.Time) bool {
	if d.Has(pin) {
		return false
	}
	d.users[pin] = &UserRecord{
		PIN:        pin,
		Attributes: copyFields(attributes),
		Optimistic: true,
		UpdatedAt:  now,
	}
	return true
}

// NextAvailablePIN returns max(hint, highest numeric PIN + 1), probing upwards past any PIN in use.
// Non numeric or empty hints count as 1. Once the int64 range is used up it returns the lowest free PIN.
func (d *DeviceUsers) NextAvailablePIN(hint string) string {
	candidate, err := strconv.ParseInt(strings.TrimSpace(hint), 10, 64)
	if err != nil || candidate < 1 {
		candidate = 1
	}
	for pin := range d.users {
		n, err := strconv.ParseInt(pin, 10, 64)
		// The largest PIN has no successor
		if err != nil || n == math.MaxInt64 {
			continue
		}
		if n+1 > candidate {
			candidate = n + 1
		}
	}
	for d.Has(strconv.FormatInt(candidate, 10)) {
		if candidate == math.MaxInt64 {
			// Nothing left above, take the lowest free PIN instead
			candidate = 1
			continue
		}
		candidate++
	}
	return strconv.FormatInt(candidate, 10)
}

// Users returns copies of the cached users ordered by PIN.
func (d *DeviceUsers) Users() []UserRecord {
	out := make([]UserRecord, 0, len(d.users))
	for _, u := range d.users {
		c := *u
		c.Attributes = copyFields(u.Attributes)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessPIN(out[i].PIN, out[j].PIN)
	})
	return out
}

// UserCache keeps the users each terminal reported, keyed by serial and PIN.
type UserCache struct {
	reg   *registry[DeviceUsers]
	clock Clock
}

func NewUserCache(clock Clock) *UserCache {
	return &UserCache{
		reg:   newRegistry(newDeviceUsers),
		clock: clock,
	}
}

func (c *UserCache) IngestUser(serial string, fields map[string]string) (pin string, outcome UserIngestOutcome) {
	now := c.clock.now()
	c.reg.with(serial, func(d *DeviceUsers) {
		pin, outcome = d.Ingest(fields, now)
	})
	return pin, outcome
}

// NextAvailablePIN returns a PIN that is unused at the time of the call.
// Use Update to allocate and insert atomically.
func (c *UserCache) NextAvailablePIN(serial string, hint string) string {
	var pin string
	c.reg.with(serial, func(d *DeviceUsers) {
		pin = d.NextAvailablePIN(hint)
	})
	return pin
}

// Update gives fn exclusive access to the users of serial.
func (c *UserCache) Update(serial string, fn func(d *DeviceUsers, now time.Time)) {
	now := c.clock.now()
	c.reg.with(serial, func(d *DeviceUsers) {
		fn(d, now)
	})
}

func (c *UserCache) Count(serial string) int {
	var n int
	c.reg.peek(serial, func(d *DeviceUsers) {
		n = d.Len()
	})
	return n
}

func (c *UserCache) Duplicates(serial string) int {
	var n int
	c.reg.peek(serial, func(d *DeviceUsers) {
		n = d.duplicates
	})
	return n
}

func (c *UserCache) IdentifierKey(serial string) string {
	key := DefaultIdentifierKey
	c.reg.peek(serial, func(d *DeviceUsers) {
		key = d.IdentifierKey()
	})
	return key
}

func (c *UserCache) Users(serial string) []UserRecord {
	var out []UserRecord
	c.reg.peek(serial, func(d *DeviceUsers) {
		out = d.Users()
	})
	return out
}

func (c *UserCache) Forget(serial string) {
	c.reg.deleteIf(serial, nil)
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// lessPIN orders numeric PINs numerically and everything else lexically after them.
func lessPIN(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
