// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpcfailover

import "errors"

var (
	// ErrDuplicateEndpoint is returned when adding an endpoint whose URI
	// is already registered.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	// ErrNotFound is returned when an operation names an endpoint or
	// listener that is not registered.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed arguments, such as a
	// non-positive polling period or an endpoint without a URI.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned when starting background work on a manager
	// that has been closed.
	ErrClosed = errors.New("connection manager is closed")
)
