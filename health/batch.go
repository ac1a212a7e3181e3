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

package health

import (
	"context"

	"github.com/bufbuild/rpcfailover/endpoint"
)

// Batch is a set of probes started together by Checker.Start.
type Batch struct {
	probes []*Probe
	done   chan struct{}
}

func newBatch(eps []*endpoint.Endpoint) *Batch {
	probes := make([]*Probe, len(eps))
	for i, ep := range eps {
		probes[i] = &Probe{ep: ep, done: make(chan struct{})}
	}
	return &Batch{probes: probes, done: make(chan struct{})}
}

// Probes returns a handle for every probe in the batch, in the order the
// endpoints were given to Checker.Start.
func (b *Batch) Probes() []*Probe {
	probes := make([]*Probe, len(b.probes))
	copy(probes, b.probes)
	return probes
}

// Done returns a channel that is closed once every probe has finished
// and the batch's completion callback has returned.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch is done or the given context is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe is one outstanding or finished probe of a batch.
type Probe struct {
	ep   *endpoint.Endpoint
	done chan struct{}
	// written before done is closed
	result endpoint.ProbeResult
	err    error
}

// Endpoint returns the endpoint being probed.
func (p *Probe) Endpoint() *endpoint.Endpoint {
	return p.ep
}

// Done returns a channel that is closed when the probe has finished and
// its result has been delivered.
func (p *Probe) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the probe has finished and returns its outcome. A
// non-nil error means the probe was abandoned before it finished.
func (p *Probe) Result() (endpoint.ProbeResult, error) {
	<-p.done
	return p.result, p.err
}

// Wait blocks until the probe has finished or the given context is done.
func (p *Probe) Wait(ctx context.Context) (endpoint.ProbeResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return endpoint.OfflineResult(), ctx.Err()
	}
}
