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
	"context"

	"github.com/bufbuild/rpcfailover/endpoint"
)

// GetBestAvailableConnection probes all endpoints and returns the best
// connected one, ranked as by GetConnections but without giving the
// current connection precedence. It returns nil if no endpoint is
// connected, or if ctx is done before probing finished.
//
// The result is not made current; use SetConnection for that.
func (m *Manager) GetBestAvailableConnection(ctx context.Context) *endpoint.Endpoint {
	if err := m.CheckConnections(ctx); err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestLocked()
}

// bestLocked returns the best connected endpoint according to the latest
// probe results, or nil if there is none.
//
// +checklocks:m.mu
func (m *Manager) bestLocked() *endpoint.Endpoint {
	for _, c := range m.rankLocked(false) {
		if c.state.Connected() {
			return c.ep
		}
	}
	return nil
}

// autoSwitchLocked promotes the best connected endpoint if the current
// connection is absent or unusable. The current connection is kept when
// no endpoint is connected, so that its outage stays observable.
//
// +checklocks:m.mu
func (m *Manager) autoSwitchLocked() {
	if m.currentConnectedLocked() {
		return
	}
	best := m.bestLocked()
	if best == nil || best == m.current {
		return
	}
	m.setCurrentLocked(best, "auto-switch")
	m.metrics.observeSwitch()
}
