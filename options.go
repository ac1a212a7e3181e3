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
	"log/slog"
	"time"

	"github.com/bufbuild/rpcfailover/health"
	"github.com/bufbuild/rpcfailover/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
)

// Option is an option used to customize the behavior of a Manager.
type Option interface {
	apply(*managerOptions)
}

// WithProber configures how endpoints are probed. If no WithProber option
// is provided, a JSON-RPC prober with default settings is used (see
// [jsonrpc.NewProber]).
func WithProber(prober health.Prober) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.prober = prober
	})
}

// WithProbeTimeout bounds how long a single probe may take before the
// endpoint is considered offline. If zero or no WithProbeTimeout option is
// used, a default of 5 seconds is used.
func WithProbeTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.probeTimeout = timeout
	})
}

// WithMaxConcurrentProbes bounds the number of endpoints probed at the same
// time during a round. If zero or no WithMaxConcurrentProbes option is
// used, a default of 16 is used. A negative value removes the limit.
func WithMaxConcurrentProbes(limit int) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.maxConcurrentProbes = limit
	})
}

// WithAutoSwitch sets the initial auto-switch mode. See
// Manager.SetAutoSwitch.
func WithAutoSwitch(enabled bool) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.autoSwitch = enabled
	})
}

// WithLogger configures the logger used to report probe results,
// connection switches, and misbehaving listeners. If no WithLogger option
// is used, nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithMetrics registers Prometheus collectors for the manager with the
// given registerer. Collectors that are already registered (for example by
// another manager using the same registerer) are shared.
func WithMetrics(registerer prometheus.Registerer) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.registerer = registerer
	})
}

// WithRootContext configures the context used for background polling. If
// not specified, [context.Background] is used. Cancelling it aborts any
// in-flight background probes; their results are discarded.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.rootCtx = ctx
	})
}

type optionFunc func(*managerOptions)

func (f optionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	rootCtx             context.Context //nolint:containedctx
	prober              health.Prober
	probeTimeout        time.Duration
	maxConcurrentProbes int
	autoSwitch          bool
	logger              *slog.Logger
	registerer          prometheus.Registerer
}

func (opts *managerOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.prober == nil {
		opts.prober = jsonrpc.NewProber()
	}
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
}
