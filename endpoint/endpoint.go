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

package endpoint

import (
	"fmt"
	"sync"
	"time"
)

// Liveness is the reachability of an endpoint as observed by the latest
// probe.
type Liveness int

const (
	LivenessUnknown = Liveness(0)
	LivenessOnline  = Liveness(1)
	LivenessOffline = Liveness(2)
)

func (l Liveness) String() string {
	switch l {
	case LivenessUnknown:
		return "unknown"
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	default:
		return fmt.Sprintf("Liveness(%d)", l)
	}
}

// Authentication is the outcome of presenting an endpoint's credentials (or
// no credentials) during the latest probe. It is only meaningful while the
// endpoint is online.
type Authentication int

const (
	AuthUnknown  = Authentication(0)
	AuthAccepted = Authentication(1)
	AuthRejected = Authentication(2)
)

func (a Authentication) String() string {
	switch a {
	case AuthUnknown:
		return "unknown"
	case AuthAccepted:
		return "accepted"
	case AuthRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Authentication(%d)", a)
	}
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	// Online is true if the endpoint answered the probe.
	Online bool
	// Authentication is whether the endpoint accepted the probe's
	// credentials. It is ignored when Online is false.
	Authentication Authentication
	// ResponseTime is the measured round-trip latency. Zero means the
	// prober did not measure it. It is ignored when Online is false.
	ResponseTime time.Duration
}

// OfflineResult is the result recorded for an endpoint that could not be
// reached or did not answer in time.
func OfflineResult() ProbeResult {
	return ProbeResult{}
}

// Option customizes a new Endpoint.
type Option func(*Endpoint)

// WithPriority sets the priority tier of the endpoint. See
// [Endpoint.SetPriority].
func WithPriority(priority int) Option {
	return func(e *Endpoint) {
		e.priority = normalizePriority(priority)
	}
}

// WithCredentials sets the username and password presented when probing
// the endpoint.
func WithCredentials(username, password string) Option {
	return func(e *Endpoint) {
		e.setCredentialsLocked(username, password)
	}
}

// Endpoint is one remote RPC server. It is safe for concurrent use.
type Endpoint struct {
	uri string

	mu sync.Mutex
	// +checklocks:mu
	priority int
	// +checklocks:mu
	username string
	// +checklocks:mu
	password string
	// +checklocks:mu
	hasCredentials bool
	// +checklocks:mu
	liveness Liveness
	// +checklocks:mu
	auth Authentication
	// +checklocks:mu
	responseTime time.Duration
	// +checklocks:mu
	hasResponseTime bool
}

// New returns an endpoint for the given URI. Without options, the endpoint
// has the lowest priority and no credentials. Its health is unknown until
// it is probed.
func New(uri string, opts ...Option) *Endpoint {
	e := &Endpoint{uri: uri}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URI returns the address of the endpoint. It is the endpoint's identity:
// two endpoints with the same URI refer to the same server.
func (e *Endpoint) URI() string {
	return e.uri
}

// Priority returns the priority tier of the endpoint. Zero is the lowest
// tier. Otherwise, lower values are preferred, with one being the most
// preferred.
func (e *Endpoint) Priority() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.priority
}

// SetPriority changes the priority tier of the endpoint. Negative values
// are treated as zero, the lowest tier.
func (e *Endpoint) SetPriority(priority int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priority = normalizePriority(priority)
}

// Credentials returns the username and password presented when probing the
// endpoint. The ok result is false if the endpoint has no credentials.
func (e *Endpoint) Credentials() (username, password string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.username, e.password, e.hasCredentials
}

// SetCredentials changes the credentials of the endpoint. They are used by
// the next probe; the current authentication state is left alone until
// then.
func (e *Endpoint) SetCredentials(username, password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setCredentialsLocked(username, password)
}

// ClearCredentials removes any credentials, so that the endpoint is probed
// unauthenticated.
func (e *Endpoint) ClearCredentials() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.username, e.password, e.hasCredentials = "", "", false
}

// +checklocks:e.mu
func (e *Endpoint) setCredentialsLocked(username, password string) {
	e.username, e.password = username, password
	e.hasCredentials = username != "" || password != ""
}

// Liveness returns the reachability observed by the latest probe.
func (e *Endpoint) Liveness() Liveness {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveness
}

// IsOnline returns true if the latest probe reached the endpoint. It is
// false both when the endpoint is offline and when it was never probed.
func (e *Endpoint) IsOnline() bool {
	return e.Liveness() == LivenessOnline
}

// Authentication returns whether the endpoint accepted the credentials
// presented by the latest probe.
func (e *Endpoint) Authentication() Authentication {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auth
}

// IsAuthenticated returns true if the latest probe was accepted.
func (e *Endpoint) IsAuthenticated() bool {
	return e.Authentication() == AuthAccepted
}

// IsConnected returns true if the endpoint is online and did not reject
// the probe's credentials. This is the notion of "usable" that drives
// failover.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return isConnected(e.liveness, e.auth)
}

// ResponseTime returns the latency measured by the latest successful
// probe. The ok result is false if there is no such measurement.
func (e *Endpoint) ResponseTime() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseTime, e.hasResponseTime
}

// ApplyProbeResult records the outcome of a probe. It reports whether
// the endpoint's connected status (see IsConnected) changed.
func (e *Endpoint) ApplyProbeResult(result ProbeResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasConnected := isConnected(e.liveness, e.auth)
	if result.Online {
		e.liveness = LivenessOnline
		e.auth = result.Authentication
		e.responseTime, e.hasResponseTime = result.ResponseTime, true
	} else {
		e.liveness = LivenessOffline
		e.auth = AuthUnknown
		e.responseTime, e.hasResponseTime = 0, false
	}
	return wasConnected != isConnected(e.liveness, e.auth)
}

// Snapshot is a consistent view of an endpoint's mutable state.
type Snapshot struct {
	URI             string
	Priority        int
	Liveness        Liveness
	Authentication  Authentication
	ResponseTime    time.Duration
	HasResponseTime bool
}

// Connected is the same as Endpoint.IsConnected, evaluated on the snapshot.
func (s Snapshot) Connected() bool {
	return isConnected(s.Liveness, s.Authentication)
}

// Snapshot returns the current state of the endpoint, read atomically.
func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		URI:             e.uri,
		Priority:        e.priority,
		Liveness:        e.liveness,
		Authentication:  e.auth,
		ResponseTime:    e.responseTime,
		HasResponseTime: e.hasResponseTime,
	}
}

func (e *Endpoint) String() string {
	s := e.Snapshot()
	return fmt.Sprintf("%s (priority=%d, %v, auth=%v)", s.URI, s.Priority, s.Liveness, s.Authentication)
}

func isConnected(liveness Liveness, auth Authentication) bool {
	return liveness == LivenessOnline && auth != AuthRejected
}

func normalizePriority(priority int) int {
	if priority < 0 {
		return 0
	}
	return priority
}
