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
	"time"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/internal"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout is used when CheckerConfig.Timeout is not set.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxConcurrency is used when CheckerConfig.MaxConcurrency is
	// not set.
	DefaultMaxConcurrency = 16
)

// Prober probes a single endpoint.
//
// Implementations must not report ordinary connectivity failures as
// panics; an unreachable endpoint is an offline result. The given context
// carries the probe's deadline, and implementations should return promptly
// once it is done.
type Prober interface {
	Probe(ctx context.Context, ep *endpoint.Endpoint) endpoint.ProbeResult
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, ep *endpoint.Endpoint) endpoint.ProbeResult

// Probe implements the Prober interface.
func (f ProberFunc) Probe(ctx context.Context, ep *endpoint.Endpoint) endpoint.ProbeResult {
	return f(ctx, ep)
}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	// Timeout bounds every individual probe. If zero, DefaultTimeout is used.
	Timeout time.Duration
	// MaxConcurrency bounds the number of probes of one batch that run at
	// the same time. If zero, DefaultMaxConcurrency is used. If negative,
	// there is no limit.
	MaxConcurrency int
}

// Checker runs probes with a timeout.
type Checker struct {
	prober         Prober
	timeout        time.Duration
	maxConcurrency int
	clock          internal.Clock
}

// NewChecker returns a checker that uses the given prober.
func NewChecker(prober Prober, config CheckerConfig) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Checker{
		prober:         prober,
		timeout:        config.Timeout,
		maxConcurrency: config.MaxConcurrency,
		clock:          internal.NewRealClock(),
	}
}

// Timeout returns the per-probe timeout.
func (c *Checker) Timeout() time.Duration {
	return c.timeout
}

// Check probes the given endpoint. A probe that does not finish within the
// checker's timeout yields an offline result. The returned error is only
// non-nil if the given context is done before the probe finished, in which
// case the result says nothing about the endpoint and should be discarded.
func (c *Checker) Check(ctx context.Context, ep *endpoint.Endpoint) (endpoint.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return endpoint.OfflineResult(), err
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	results := make(chan endpoint.ProbeResult, 1)
	go func() {
		results <- c.prober.Probe(probeCtx, ep)
	}()

	var result endpoint.ProbeResult
	select {
	case result = <-results:
	case <-probeCtx.Done():
		// the prober ignored its deadline; don't wait for it
	}
	if err := ctx.Err(); err != nil {
		return endpoint.OfflineResult(), err
	}
	if probeCtx.Err() != nil {
		return endpoint.OfflineResult(), nil
	}
	if result.Online && result.ResponseTime <= 0 {
		result.ResponseTime = c.clock.Since(start)
	}
	return result, nil
}

// Start begins probing all the given endpoints concurrently and returns
// immediately. The onResult callback, if non-nil, is invoked from the
// probing goroutine as each probe finishes, before that probe's Done
// channel is closed. Results of probes that were abandoned because ctx
// was done are not passed to onResult. The onComplete callback, if non-nil,
// is invoked once every probe has finished, before the batch's Done
// channel is closed.
//
// A failing probe never affects the others.
func (c *Checker) Start(
	ctx context.Context,
	eps []*endpoint.Endpoint,
	onResult func(*endpoint.Endpoint, endpoint.ProbeResult),
	onComplete func(),
) *Batch {
	batch := newBatch(eps)
	go func() {
		defer close(batch.done)
		var grp errgroup.Group
		if c.maxConcurrency > 0 {
			grp.SetLimit(c.maxConcurrency)
		}
		for _, probe := range batch.probes {
			grp.Go(func() error {
				defer close(probe.done)
				probe.result, probe.err = c.Check(ctx, probe.ep)
				if probe.err == nil && onResult != nil {
					onResult(probe.ep, probe.result)
				}
				// We never return an error since that would not
				// stop the other probes anyway.
				return nil
			})
		}
		_ = grp.Wait()
		if onComplete != nil {
			onComplete()
		}
	}()
	return batch
}
