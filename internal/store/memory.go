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

package store

import (
	"context"
	"sync"
)

// Memory is a Store kept in process memory, used for DRY_RUN.
type Memory struct {
	mu        sync.RWMutex
	devices   map[string]int64
	employees map[string]int64
	punches   []PunchRecord
	seen      map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]int64),
		employees: make(map[string]int64),
		seen:      make(map[string]struct{}),
	}
}

func (m *Memory) AddDevice(serial string, id int64) {
	m.mu.Lock()
	m.devices[serial] = id
	m.mu.Unlock()
}

func (m *Memory) AddEmployee(pin string, id int64) {
	m.mu.Lock()
	m.employees[pin] = id
	m.mu.Unlock()
}

func (m *Memory) DeviceID(_ context.Context, serial string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.devices[serial]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (m *Memory) EmployeeID(_ context.Context, pin string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.employees[pin]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (m *Memory) AppendPunch(_ context.Context, rec PunchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[rec.ID.String()]; dup {
		return nil
	}
	m.seen[rec.ID.String()] = struct{}{}
	m.punches = append(m.punches, rec)
	return nil
}

// Punches returns a copy of everything appended so far.
func (m *Memory) Punches() []PunchRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PunchRecord(nil), m.punches...)
}

func (m *Memory) IsAvailable(context.Context) bool {
	return true
}

func (m *Memory) Close() {}
