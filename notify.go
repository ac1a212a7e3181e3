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
	"fmt"
	"reflect"
	"slices"

	"github.com/bufbuild/rpcfailover/endpoint"
)

// Listener is notified when the manager's connection changes: when a
// different endpoint (or no endpoint) becomes current, or when the current
// endpoint becomes connected or disconnected.
//
// Listeners are invoked without any of the manager's locks held, so they
// may call back into the manager. Changes caused by a method call are
// delivered by the calling goroutine; changes found by periodic probing are
// delivered by the polling goroutine once the round has finished.
//
// Listeners are identified with ==. A listener whose value is not
// comparable, such as a func type, is never deduplicated and cannot be
// removed.
type Listener interface {
	// OnConnectionChanged is called with the new current connection, which
	// is nil after a disconnect.
	OnConnectionChanged(ep *endpoint.Endpoint)
}

// AddListener registers a listener. Adding a listener that is already
// registered has no effect.
func (m *Manager) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.ContainsFunc(m.listeners, func(l Listener) bool { return sameListener(l, listener) }) {
		return
	}
	m.listeners = append(m.listeners, listener)
}

// RemoveListener unregisters a listener. It fails with ErrNotFound if the
// listener is not registered, and with ErrInvalidArgument if the listener
// is not comparable.
func (m *Manager) RemoveListener(listener Listener) error {
	if listener != nil && !reflect.ValueOf(listener).Comparable() {
		return fmt.Errorf("%w: listener of type %T is not comparable", ErrInvalidArgument, listener)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.listeners, func(l Listener) bool { return sameListener(l, listener) })
	if i < 0 {
		return fmt.Errorf("%w: listener", ErrNotFound)
	}
	m.listeners = slices.Delete(m.listeners, i, i+1)
	return nil
}

// sameListener reports whether a and b are the same listener. Values that
// would panic when compared are never the same.
func sameListener(a, b Listener) bool {
	if a == nil || b == nil || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if !reflect.ValueOf(a).Comparable() || !reflect.ValueOf(b).Comparable() {
		return false
	}
	return a == b
}

// connectionState is what listeners observe. It only changes with the
// identity of the current connection or with its connected status.
type connectionState struct {
	uri       string
	connected bool
}

type connectionChange struct {
	ep        *endpoint.Endpoint
	listeners []Listener
}

// changeLocked compares the observable state with the state last reported
// to listeners. If they differ, the new state is recorded and the returned
// change must be passed to deliver after releasing the lock.
//
// +checklocks:m.mu
func (m *Manager) changeLocked() *connectionChange {
	var state connectionState
	if m.current != nil {
		state = connectionState{uri: m.current.URI(), connected: m.current.IsConnected()}
	}
	if state == m.notified {
		return nil
	}
	m.notified = state
	m.metrics.setConnected(state.connected)
	return &connectionChange{ep: m.current, listeners: slices.Clone(m.listeners)}
}

func (m *Manager) deliver(change *connectionChange) {
	if change == nil {
		return
	}
	m.metrics.observeNotification()
	for _, listener := range change.listeners {
		m.notify(listener, change.ep)
	}
}

func (m *Manager) notify(listener Listener, ep *endpoint.Endpoint) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.observeListenerPanic()
			m.logger.Warn("connection listener panicked",
				"listener", fmt.Sprintf("%T", listener),
				"panic", r,
			)
		}
	}()
	listener.OnConnectionChanged(ep)
}
