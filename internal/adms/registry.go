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
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// Clock returns the current time. Every component takes one so tests can move time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// registry owns one value per device serial.
// Operations on the same serial are serialized by the slot mutex, different serials only share
// the short map lookup.
type registry[T any] struct {
	mu    sync.RWMutex
	slots map[string]*slot[T]
	init  func(serial string) *T
}

type slot[T any] struct {
	mu    sync.Mutex
	dead  bool
	value *T
}

func newRegistry[T any](init func(serial string) *T) *registry[T] {
	return &registry[T]{
		slots: make(map[string]*slot[T]),
		init:  init,
	}
}

func (r *registry[T]) lookup(serial string, create bool) *slot[T] {
	r.mu.RLock()
	s, ok := r.slots[serial]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another writer might have created it in the meantime
	if s, ok = r.slots[serial]; ok {
		return s
	}
	s = &slot[T]{value: r.init(serial)}
	r.slots[serial] = s
	return s
}

// with runs fn with exclusive access to the value of serial, creating it on first use.
func (r *registry[T]) with(serial string, fn func(*T)) {
	for {
		s := r.lookup(serial, true)
		s.mu.Lock()
		if s.dead {
			// Pruned between lookup and lock, retry with a fresh slot
			s.mu.Unlock()
			continue
		}
		fn(s.value)
		s.mu.Unlock()
		return
	}
}

// peek is like with, but never creates a slot. It returns false for unknown serials.
func (r *registry[T]) peek(serial string, fn func(*T)) bool {
	s := r.lookup(serial, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	fn(s.value)
	return true
}

// deleteIf removes serial when pred holds. pred runs under the slot lock.
func (r *registry[T]) deleteIf(serial string, pred func(*T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[serial]
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pred != nil && !pred(s.value) {
		return false
	}
	s.dead = true
	delete(r.slots, serial)
	return true
}

func (r *registry[T]) serials() []string {
	r.mu.RLock()
	keys := maps.Keys(r.slots)
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
