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

import "time"

// DeviceState is the per-terminal protocol bookkeeping.
type DeviceState struct {
	Serial string
	// LastCursor is the timestamp of the newest attendance record consumed
	LastCursor     time.Time
	LastSeenAt     time.Time
	LastUserSyncAt time.Time
	// LastActivityAt also moves when commands or users are queued for the device, idle pruning uses it
	LastActivityAt time.Time
}

// StateStore is the only writer of DeviceState.
type StateStore struct {
	reg   *registry[DeviceState]
	clock Clock
}

func NewStateStore(clock Clock) *StateStore {
	return &StateStore{
		reg: newRegistry(func(serial string) *DeviceState {
			return &DeviceState{Serial: serial}
		}),
		clock: clock,
	}
}

// Touch records contact from serial and reports whether the device was unknown so far.
func (s *StateStore) Touch(serial string) (created bool) {
	now := s.clock.now()
	s.reg.with(serial, func(st *DeviceState) {
		created = st.LastSeenAt.IsZero()
		st.LastSeenAt = now
		st.LastActivityAt = now
	})
	return created
}

// MarkActivity keeps serial from being pruned without counting as terminal contact.
func (s *StateStore) MarkActivity(serial string) {
	now := s.clock.now()
	s.reg.with(serial, func(st *DeviceState) {
		st.LastActivityAt = now
	})
}

// AdvanceCursor moves the cursor forward to ts. It never moves backwards and reports whether it moved.
func (s *StateStore) AdvanceCursor(serial string, ts time.Time) (advanced bool) {
	if ts.IsZero() {
		return false
	}
	s.reg.with(serial, func(st *DeviceState) {
		if ts.After(st.LastCursor) {
			st.LastCursor = ts
			advanced = true
		}
	})
	return advanced
}

func (s *StateStore) MarkUserSync(serial string) {
	now := s.clock.now()
	s.reg.with(serial, func(st *DeviceState) {
		st.LastUserSyncAt = now
	})
}

// Get returns a snapshot of the state, or a zero value state for unseen serials.
func (s *StateStore) Get(serial string) DeviceState {
	snapshot := DeviceState{Serial: serial}
	s.reg.peek(serial, func(st *DeviceState) {
		snapshot = *st
	})
	return snapshot
}

// Serials lists all known serials in lexical order.
func (s *StateStore) Serials() []string {
	return s.reg.serials()
}

func (s *StateStore) Len() int {
	return s.reg.len()
}

// IdleSerials lists devices without any activity since cutoff.
func (s *StateStore) IdleSerials(cutoff time.Time) []string {
	var idle []string
	for _, serial := range s.reg.serials() {
		s.reg.peek(serial, func(st *DeviceState) {
			if st.LastActivityAt.Before(cutoff) {
				idle = append(idle, serial)
			}
		})
	}
	return idle
}

// Forget drops serial if it is still idle at cutoff and release, when given, agrees.
// release runs under the device lock, so activity for serial waits until it returns.
func (s *StateStore) Forget(serial string, cutoff time.Time, release func() bool) bool {
	return s.reg.deleteIf(serial, func(st *DeviceState) bool {
		if !st.LastActivityAt.Before(cutoff) {
			return false
		}
		return release == nil || release()
	})
}
