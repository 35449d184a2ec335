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

// Package store resolves terminal identities and persists punches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by the resolvers when no device or employee matches.
var ErrNotFound = errors.New("not found")

// PunchRecord is the persisted form of a punch. Unresolved identities stay nil.
type PunchRecord struct {
	ID           uuid.UUID `json:"id"`
	DeviceID     *int64    `json:"device_id"`
	EmployeeID   *int64    `json:"employee_id"`
	Serial       string    `json:"serial"`
	PIN          string    `json:"pin"`
	VerifyMethod string    `json:"verify_method"`
	PunchedAt    time.Time `json:"punched_at"`
}

type DeviceResolver interface {
	DeviceID(ctx context.Context, serial string) (int64, error)
}

type EmployeeResolver interface {
	EmployeeID(ctx context.Context, pin string) (int64, error)
}

type PunchAppender interface {
	AppendPunch(ctx context.Context, rec PunchRecord) error
}

// Store is everything the relay needs from the backing database.
type Store interface {
	DeviceResolver
	EmployeeResolver
	PunchAppender
	IsAvailable(ctx context.Context) bool
	Close()
}

func get5SecondContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
