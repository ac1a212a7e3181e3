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

// Package config loads the configuration of an rpcwatch process.
//
// Sources are layered, later ones overriding earlier ones: built-in
// defaults, a YAML file, environment variables and finally explicit
// overrides (usually from command-line flags). Environment variables use
// the RPCWATCH_ prefix, with underscores separating nested keys, so
// RPCWATCH_POLL_PERIOD sets poll.period.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bufbuild/rpcfailover"
	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration of an rpcwatch process.
type Config struct {
	Endpoints []EndpointConfig `koanf:"endpoints"`
	// Current is the URI of the endpoint to select on startup. If empty,
	// the first endpoint found connected is selected when auto-switch is
	// enabled.
	Current    string        `koanf:"current"`
	AutoSwitch bool          `koanf:"autoswitch"`
	Probe      ProbeConfig   `koanf:"probe"`
	Poll       PollConfig    `koanf:"poll"`
	Log        LogConfig     `koanf:"log"`
	Metrics    MetricsConfig `koanf:"metrics"`
}

// EndpointConfig describes one endpoint.
type EndpointConfig struct {
	URI      string `koanf:"uri"`
	Priority int    `koanf:"priority"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// ProbeConfig configures how endpoints are probed.
type ProbeConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	Concurrency int           `koanf:"concurrency"`
	Path        string        `koanf:"path"`
	Method      string        `koanf:"method"`
}

// PollConfig configures periodic probing.
type PollConfig struct {
	Period time.Duration `koanf:"period"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is text or json.
	Format string `koanf:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the metrics server. Metrics are not
	// served if it is empty.
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

//nolint:gochecknoglobals
var defaults = map[string]any{
	"autoswitch":        true,
	"probe.timeout":     "5s",
	"probe.concurrency": 16,
	"probe.path":        jsonrpc.DefaultPath,
	"probe.method":      jsonrpc.DefaultMethod,
	"poll.period":       "10s",
	"log.level":         "info",
	"log.format":        "text",
	"metrics.path":      "/metrics",
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("no endpoints configured"))
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if err := validateURI(ep.URI); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d]: %w", i, err))
			continue
		}
		if _, ok := seen[ep.URI]; ok {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate uri %s", i, ep.URI))
		}
		seen[ep.URI] = struct{}{}
		if ep.Priority < 0 {
			errs = append(errs, fmt.Errorf("endpoints[%d]: priority must not be negative", i))
		}
	}
	if c.Current != "" {
		if _, ok := seen[c.Current]; !ok {
			errs = append(errs, fmt.Errorf("current: %s is not a configured endpoint", c.Current))
		}
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, errors.New("probe.timeout must be positive"))
	}
	if c.Probe.Concurrency <= 0 {
		errs = append(errs, errors.New("probe.concurrency must be positive"))
	}
	if c.Poll.Period <= 0 {
		errs = append(errs, errors.New("poll.period must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// NewEndpoints returns new endpoints for all configured endpoints, in
// configuration order.
func (c *Config) NewEndpoints() []*endpoint.Endpoint {
	eps := make([]*endpoint.Endpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		opts := []endpoint.Option{endpoint.WithPriority(ep.Priority)}
		if ep.Username != "" || ep.Password != "" {
			opts = append(opts, endpoint.WithCredentials(ep.Username, ep.Password))
		}
		eps[i] = endpoint.New(ep.URI, opts...)
	}
	return eps
}

// ManagerOptions returns the manager options for this configuration. The
// logger and registerer may be nil.
func (c *Config) ManagerOptions(logger *slog.Logger, registerer prometheus.Registerer) []rpcfailover.Option {
	opts := []rpcfailover.Option{
		rpcfailover.WithProber(jsonrpc.NewProber(
			jsonrpc.WithPath(c.Probe.Path),
			jsonrpc.WithMethod(c.Probe.Method),
		)),
		rpcfailover.WithProbeTimeout(c.Probe.Timeout),
		rpcfailover.WithMaxConcurrentProbes(c.Probe.Concurrency),
		rpcfailover.WithAutoSwitch(c.AutoSwitch),
	}
	if logger != nil {
		opts = append(opts, rpcfailover.WithLogger(logger))
	}
	if registerer != nil {
		opts = append(opts, rpcfailover.WithMetrics(registerer))
	}
	return opts
}

// SlogLevel parses the configured level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func validateURI(uri string) error {
	if uri == "" {
		return errors.New("uri is required")
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("uri %q: %w", uri, err)
	}
	switch parsed.Scheme {
	case "http", "https", "h2c":
	default:
		return fmt.Errorf("uri %q: unsupported scheme %q", uri, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("uri %q: missing host", uri)
	}
	return nil
}
