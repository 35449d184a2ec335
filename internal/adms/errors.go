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

import "errors"

var (
	ErrMissingSerial  = errors.New("device serial is required")
	ErrEmptyName      = errors.New("name is required")
	ErrInvalidPIN     = errors.New("pin contains separator characters")
	ErrPINExists      = errors.New("pin already exists on device")
	ErrUnknownDialect = errors.New("unknown attendance fetch dialect")
)
