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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/health"
)

// Manager tracks a set of interchangeable RPC endpoints and maintains a
// single current connection among them. It is safe for concurrent use.
//
// Create a Manager with New and release it with Close.
type Manager struct {
	//nolint:containedctx
	ctx     context.Context
	cancel  context.CancelFunc
	checker *health.Checker
	poller  *health.Poller
	logger  *slog.Logger
	metrics *metrics

	mu sync.Mutex
	// +checklocks:mu
	entries map[string]*entry
	// +checklocks:mu
	nextIndex uint64
	// +checklocks:mu
	current *endpoint.Endpoint
	// +checklocks:mu
	autoSwitch bool
	// +checklocks:mu
	listeners []Listener
	// +checklocks:mu
	notified connectionState
	// +checklocks:mu
	closed bool
}

type entry struct {
	ep *endpoint.Endpoint
	// insertion order, used as the final tie-break when ordering
	index uint64
}

// New returns a new connection manager with no endpoints and no current
// connection.
func New(options ...Option) *Manager {
	var opts managerOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.rootCtx)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		checker: health.NewChecker(opts.prober, health.CheckerConfig{
			Timeout:        opts.probeTimeout,
			MaxConcurrency: opts.maxConcurrentProbes,
		}),
		poller:     health.NewPoller(),
		logger:     opts.logger,
		metrics:    newMetrics(opts.registerer),
		entries:    map[string]*entry{},
		autoSwitch: opts.autoSwitch,
	}
}

// GetConnection returns the current connection, or nil if there is none.
func (m *Manager) GetConnection() *endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsConnected returns true if there is a current connection and it is
// connected: it was online and did not reject its credentials when last
// probed.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.IsConnected()
}

// SetAutoSwitch enables or disables automatic failover. While enabled,
// every probe round that leaves the manager without a connected current
// endpoint promotes the best connected endpoint, if there is one.
func (m *Manager) SetAutoSwitch(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoSwitch = enabled
}

// AutoSwitch returns true if automatic failover is enabled.
func (m *Manager) AutoSwitch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoSwitch
}

// SetConnection makes the given endpoint the current connection. An
// endpoint that is not yet registered is added first. If a different
// endpoint with the same URI is already registered, the registered one
// becomes current. A nil endpoint, or one with an empty URI, clears the
// current connection.
//
// The endpoint is not probed; IsConnected reflects its last known state.
func (m *Manager) SetConnection(ep *endpoint.Endpoint) {
	if ep != nil && ep.URI() == "" {
		ep = nil
	}
	m.mu.Lock()
	if ep != nil {
		ep = m.trackLocked(ep)
	}
	m.setCurrentLocked(ep, "set")
	change := m.changeLocked()
	m.mu.Unlock()
	m.deliver(change)
}

// SetConnectionURI makes the endpoint with the given URI the current
// connection, registering a new endpoint (lowest priority, no credentials)
// if no endpoint has that URI. An empty URI clears the current connection.
func (m *Manager) SetConnectionURI(uri string) error {
	if uri == "" {
		m.SetConnection(nil)
		return nil
	}
	if err := validateURI(uri); err != nil {
		return err
	}
	if ep, ok := m.GetConnectionByURI(uri); ok {
		m.SetConnection(ep)
		return nil
	}
	m.SetConnection(endpoint.New(uri))
	return nil
}

// Disconnect clears the current connection. It is the same as
// SetConnection(nil).
func (m *Manager) Disconnect() {
	m.SetConnection(nil)
}

// CheckConnection probes the current connection. If auto-switch is
// enabled and the current connection is absent or not connected after the
// probe, all endpoints are probed and the best connected one is promoted.
//
// Unreachable endpoints are never reported as errors. The returned error
// is non-nil only if ctx is done before probing finished.
func (m *Manager) CheckConnection(ctx context.Context) error {
	m.mu.Lock()
	ep := m.current
	m.mu.Unlock()
	if ep != nil {
		result, err := m.checker.Check(ctx, ep)
		if err != nil {
			return err
		}
		m.applyResult(ep, result)
	}

	m.mu.Lock()
	if m.autoSwitch && !m.currentConnectedLocked() {
		m.mu.Unlock()
		// the round's completion handles both the switch and the notification
		return m.CheckConnections(ctx)
	}
	change := m.changeLocked()
	m.mu.Unlock()
	m.deliver(change)
	return nil
}

// CheckConnections probes every registered endpoint concurrently and waits
// for all probes to finish or time out. If auto-switch is enabled and the
// current connection is absent or not connected afterwards, the best
// connected endpoint is promoted.
//
// Unreachable endpoints are never reported as errors. The returned error
// is non-nil only if ctx is done before probing finished.
func (m *Manager) CheckConnections(ctx context.Context) error {
	change := m.runRound(ctx)
	m.deliver(change)
	return ctx.Err()
}

// CheckConnectionsAsync is like CheckConnections but returns immediately.
// The returned batch is a handle for the outstanding probes. Each probe's
// result is applied as soon as it arrives; the auto-switch evaluation and
// change notification happen before the batch's Done channel is closed.
//
// The given context bounds the probes, so it must outlive the batch.
func (m *Manager) CheckConnectionsAsync(ctx context.Context) *health.Batch {
	return m.startRound(ctx, m.deliver)
}

// StartCheckingConnection starts probing all endpoints every period. The
// first round runs right away, and this method returns once it has
// completed (or when ctx is done). If polling was already started, the
// previous loop is replaced; its in-flight round, if any, completes before
// the first round of the new loop starts.
//
// Listeners are notified of a polling round's change after the round has
// finished, so they may restart polling or call Close.
func (m *Manager) StartCheckingConnection(ctx context.Context, period time.Duration) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	first, err := m.poller.Start(period, m.poll)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	m.logger.Debug("started checking connections",
		"period", period,
		"probe_timeout", m.checker.Timeout(),
	)
	select {
	case <-first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopCheckingConnection stops periodic probing. A round that is in
// progress is allowed to finish and its results are still applied, but no
// further rounds are scheduled. It is safe to call when not polling.
func (m *Manager) StopCheckingConnection() {
	if m.poller.Running() {
		m.logger.Debug("stopped checking connections")
	}
	m.poller.Stop()
}

// IsCheckingConnection returns true if periodic probing is active.
func (m *Manager) IsCheckingConnection() bool {
	return m.poller.Running()
}

// Close stops periodic probing, aborts any in-flight background probes and
// waits for an in-flight polling round to finish. It does not wait for
// listeners being notified of that round, so a listener may call it. Probe
// results that arrive after Close are discarded. Close always returns nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.poller.Stop()
	m.poller.Wait()
	return nil
}

// poll runs one polling round. Listeners are notified after the round has
// left the poller's single-flight section.
func (m *Manager) poll() func() {
	change := m.runRound(m.ctx)
	if change == nil {
		return nil
	}
	return func() { m.deliver(change) }
}

// runRound probes every registered endpoint and waits for the round to
// complete. It returns the pending notification, if any, without
// delivering it.
func (m *Manager) runRound(ctx context.Context) *connectionChange {
	var change *connectionChange
	batch := m.startRound(ctx, func(c *connectionChange) { change = c })
	<-batch.Done()
	return change
}

func (m *Manager) startRound(ctx context.Context, complete func(*connectionChange)) *health.Batch {
	m.mu.Lock()
	eps := m.registeredLocked()
	m.mu.Unlock()
	return m.checker.Start(ctx, eps, m.applyResult, func() {
		complete(m.completeRound())
	})
}

func (m *Manager) applyResult(ep *endpoint.Endpoint, result endpoint.ProbeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	changed := ep.ApplyProbeResult(result)
	m.metrics.observeProbe(result)
	m.logger.Debug("probed endpoint",
		"uri", ep.URI(),
		"online", result.Online,
		"auth", result.Authentication,
		"response_time", result.ResponseTime,
	)
	if changed {
		m.logger.Info("endpoint connectivity changed",
			"uri", ep.URI(),
			"connected", ep.IsConnected(),
		)
	}
}

// completeRound runs once all probes of a round have finished. It returns
// the notification the caller must deliver, if any.
func (m *Manager) completeRound() *connectionChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.autoSwitch {
		m.autoSwitchLocked()
	}
	return m.changeLocked()
}

// +checklocks:m.mu
func (m *Manager) currentConnectedLocked() bool {
	return m.current != nil && m.current.IsConnected()
}

// +checklocks:m.mu
func (m *Manager) setCurrentLocked(ep *endpoint.Endpoint, reason string) {
	if ep == m.current {
		return
	}
	prev := "<none>"
	if m.current != nil {
		prev = m.current.URI()
	}
	next := "<none>"
	if ep != nil {
		next = ep.URI()
	}
	m.current = ep
	m.logger.Info("current connection changed", "from", prev, "to", next, "reason", reason)
}
