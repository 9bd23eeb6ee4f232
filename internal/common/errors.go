// Copyright 2024 LatentFS Authors
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

package common

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrInvalidPath    = errors.New("invalid path")
	ErrIO             = errors.New("I/O error")
	ErrIntegrity      = errors.New("integrity violation")
	ErrSequenceGap    = errors.New("sequence gap")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrDisabled       = errors.New("timeline logging is disabled")
	ErrLocked         = errors.New("timeline database is locked by another writer")
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
