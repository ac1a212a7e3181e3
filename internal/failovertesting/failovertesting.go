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

// Package failovertesting provides fakes that are useful when testing code
// built on an rpcfailover.Manager.
package failovertesting

import (
	"context"
	"sync"
	"time"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/health"
)

// FakeProber is a health.Prober whose results are scripted per endpoint
// URI. Endpoints without a scripted result are offline. A scripted online
// result reports the authentication outcome based on the credentials the
// endpoint presents, mirroring a server that requires the credentials
// configured with RequireCredentials.
type FakeProber struct {
	mu sync.Mutex
	// +checklocks:mu
	servers map[string]*fakeServer
	// +checklocks:mu
	probes map[string]int
	// +checklocks:mu
	gate chan struct{}
}

type fakeServer struct {
	online       bool
	responseTime time.Duration
	username     string
	password     string
	requireAuth  bool
}

var _ health.Prober = (*FakeProber)(nil)

// NewFakeProber constructs a FakeProber where every endpoint is offline.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		servers: map[string]*fakeServer{},
		probes:  map[string]int{},
	}
}

// SetOnline makes probes of the given URI succeed with the given
// response time.
func (p *FakeProber) SetOnline(uri string, responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	server := p.serverLocked(uri)
	server.online = true
	server.responseTime = responseTime
}

// SetOffline makes probes of the given URI fail.
func (p *FakeProber) SetOffline(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverLocked(uri).online = false
}

// SetAllOffline makes probes of every known URI fail.
func (p *FakeProber) SetAllOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, server := range p.servers {
		server.online = false
	}
}

// RequireCredentials makes the fake server at the given URI reject probes
// that do not present exactly the given username and password.
func (p *FakeProber) RequireCredentials(uri, username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	server := p.serverLocked(uri)
	server.requireAuth = true
	server.username, server.password = username, password
}

// Block makes subsequent probes wait until the returned function is
// called, or until their context is done.
func (p *FakeProber) Block() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// ProbeCount returns how many times the given URI has been probed.
func (p *FakeProber) ProbeCount(uri string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[uri]
}

// Probe implements the health.Prober interface.
func (p *FakeProber) Probe(ctx context.Context, ep *endpoint.Endpoint) endpoint.ProbeResult {
	p.mu.Lock()
	p.probes[ep.URI()]++
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return endpoint.OfflineResult()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	server, ok := p.servers[ep.URI()]
	if !ok || !server.online {
		return endpoint.OfflineResult()
	}
	auth := endpoint.AuthAccepted
	if server.requireAuth {
		username, password, _ := ep.Credentials()
		if username != server.username || password != server.password {
			auth = endpoint.AuthRejected
		}
	}
	return endpoint.ProbeResult{
		Online:         true,
		Authentication: auth,
		ResponseTime:   server.responseTime,
	}
}

// +checklocks:p.mu
func (p *FakeProber) serverLocked(uri string) *fakeServer {
	server, ok := p.servers[uri]
	if !ok {
		server = &fakeServer{}
		p.servers[uri] = server
	}
	return server
}

// CollectingListener records every connection change it is notified of.
type CollectingListener struct {
	changes chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	changed []*endpoint.Endpoint
}

// NewCollectingListener constructs a new CollectingListener.
func NewCollectingListener() *CollectingListener {
	return &CollectingListener{changes: make(chan struct{}, 1)}
}

// OnConnectionChanged implements the rpcfailover.Listener interface.
func (l *CollectingListener) OnConnectionChanged(ep *endpoint.Endpoint) {
	l.mu.Lock()
	l.changed = append(l.changed, ep)
	l.mu.Unlock()
	select {
	case l.changes <- struct{}{}:
	default:
	}
}

// Count returns the number of notifications received so far.
func (l *CollectingListener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changed)
}

// Last returns the endpoint carried by the latest notification, which is
// nil for a notification of a disconnect.
func (l *CollectingListener) Last() *endpoint.Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changed) == 0 {
		return nil
	}
	return l.changed[len(l.changed)-1]
}

// AwaitCount waits until at least count notifications have been received.
// It returns false if the context is done first.
func (l *CollectingListener) AwaitCount(ctx context.Context, count int) bool {
	for {
		if l.Count() >= count {
			return true
		}
		select {
		case <-l.changes:
		case <-ctx.Done():
			return l.Count() >= count
		}
	}
}
