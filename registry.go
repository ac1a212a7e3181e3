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

import (
	"cmp"
	"fmt"
	"math"
	"net/url"
	"slices"

	"github.com/bufbuild/rpcfailover/endpoint"
)

// AddConnection registers the given endpoint. It fails with
// ErrDuplicateEndpoint if an endpoint with the same URI is already
// registered.
func (m *Manager) AddConnection(ep *endpoint.Endpoint) error {
	if ep == nil {
		return fmt.Errorf("%w: nil endpoint", ErrInvalidArgument)
	}
	if err := validateURI(ep.URI()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[ep.URI()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.URI())
	}
	m.addLocked(ep)
	return nil
}

// RemoveConnection unregisters the endpoint with the given URI. It fails
// with ErrNotFound if there is no such endpoint. If the endpoint was the
// current connection, the manager is left without a current connection;
// no other endpoint is selected in its place.
func (m *Manager) RemoveConnection(uri string) error {
	m.mu.Lock()
	e, ok := m.entries[uri]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, uri)
	}
	delete(m.entries, uri)
	m.metrics.setEndpoints(len(m.entries))
	if m.current == e.ep {
		m.setCurrentLocked(nil, "removed")
	}
	change := m.changeLocked()
	m.mu.Unlock()
	m.deliver(change)
	return nil
}

// GetConnectionByURI returns the registered endpoint with the given URI.
func (m *Manager) GetConnectionByURI(uri string) (*endpoint.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[uri]
	if !ok {
		return nil, false
	}
	return e.ep, true
}

// GetConnections returns all registered endpoints, best first:
//
//  1. the current connection;
//  2. then online endpoints, before offline endpoints and endpoints that
//     were never probed;
//  3. within each group, by ascending priority, with priority zero last;
//  4. among online endpoints of equal priority, by ascending response time;
//  5. finally, in the order the endpoints were registered.
//
// The order is computed on every call from the latest probe results.
func (m *Manager) GetConnections() []*endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ranked := m.rankLocked(true)
	eps := make([]*endpoint.Endpoint, len(ranked))
	for i, c := range ranked {
		eps[i] = c.ep
	}
	return eps
}

// +checklocks:m.mu
func (m *Manager) addLocked(ep *endpoint.Endpoint) {
	m.entries[ep.URI()] = &entry{ep: ep, index: m.nextIndex}
	m.nextIndex++
	m.metrics.setEndpoints(len(m.entries))
}

// trackLocked returns the registered endpoint with the same URI as the
// given one, registering the given endpoint if there is none.
//
// +checklocks:m.mu
func (m *Manager) trackLocked(ep *endpoint.Endpoint) *endpoint.Endpoint {
	if e, ok := m.entries[ep.URI()]; ok {
		return e.ep
	}
	m.addLocked(ep)
	return ep
}

// registeredLocked returns all endpoints in registration order.
//
// +checklocks:m.mu
func (m *Manager) registeredLocked() []*endpoint.Endpoint {
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.index, b.index)
	})
	eps := make([]*endpoint.Endpoint, len(entries))
	for i, e := range entries {
		eps[i] = e.ep
	}
	return eps
}

type candidate struct {
	ep        *endpoint.Endpoint
	state     endpoint.Snapshot
	index     uint64
	isCurrent bool
}

// rankLocked returns all registered endpoints in the order documented on
// GetConnections. If currentFirst is false, the current connection is
// ranked like any other endpoint.
//
// +checklocks:m.mu
func (m *Manager) rankLocked(currentFirst bool) []candidate {
	candidates := make([]candidate, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, candidate{
			ep:        e.ep,
			state:     e.ep.Snapshot(),
			index:     e.index,
			isCurrent: currentFirst && e.ep == m.current,
		})
	}
	slices.SortFunc(candidates, compareCandidates)
	return candidates
}

func compareCandidates(a, b candidate) int {
	if a.isCurrent != b.isCurrent {
		if a.isCurrent {
			return -1
		}
		return 1
	}
	aOnline := a.state.Liveness == endpoint.LivenessOnline
	bOnline := b.state.Liveness == endpoint.LivenessOnline
	if aOnline != bOnline {
		if aOnline {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(effectivePriority(a.state.Priority), effectivePriority(b.state.Priority)); c != 0 {
		return c
	}
	if aOnline {
		if c := cmp.Compare(effectiveResponseTime(a.state), effectiveResponseTime(b.state)); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.index, b.index)
}

// effectivePriority maps the unset priority (zero) to the lowest tier.
func effectivePriority(priority int) int {
	if priority <= 0 {
		return math.MaxInt
	}
	return priority
}

func effectiveResponseTime(state endpoint.Snapshot) int64 {
	if !state.HasResponseTime {
		return math.MaxInt64
	}
	return int64(state.ResponseTime)
}

func validateURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: empty endpoint URI", ErrInvalidArgument)
	}
	if _, err := url.Parse(uri); err != nil {
		return fmt.Errorf("%w: endpoint URI %q: %w", ErrInvalidArgument, uri, err)
	}
	return nil
}
