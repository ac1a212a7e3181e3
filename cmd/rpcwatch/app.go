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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bufbuild/rpcfailover"
	"github.com/bufbuild/rpcfailover/config"
	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 5 * time.Second

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "rpcwatch",
		Usage:     "Keep track of the best of several JSON-RPC endpoints",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		// main reports errors and picks the exit code
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"RPCWATCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			watchCommand(),
			checkCommand(),
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "poll endpoints and fail over until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address",
			},
			&cli.DurationFlag{
				Name:  "period",
				Usage: "polling period",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, c.App.ErrWriter)
			if err != nil {
				return err
			}
			return watch(c.Context, cfg, logger)
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "probe every endpoint once and print them best first",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, c.App.ErrWriter)
			if err != nil {
				return err
			}
			return check(c.Context, cfg, logger, c.App.Writer)
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if c.IsSet("log-level") {
		overrides["log.level"] = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		overrides["metrics.addr"] = c.String("metrics-addr")
	}
	if c.IsSet("period") {
		overrides["poll.period"] = c.Duration("period").String()
	}
	cfg, err := config.Load(c.String("config"), config.WithOverrides(overrides))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func watch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr, err := newManager(cfg, logger, registry)
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.AddListener(&logListener{logger: logger})

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics, registry, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	logger.Info("starting rpcwatch",
		"version", version,
		"endpoints", len(cfg.Endpoints),
		"period", cfg.Poll.Period,
		"autoswitch", cfg.AutoSwitch,
	)
	if err := mgr.StartCheckingConnection(ctx, cfg.Poll.Period); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	<-ctx.Done()
	mgr.StopCheckingConnection()
	logger.Info("stopping rpcwatch")
	return nil
}

func check(ctx context.Context, cfg *config.Config, logger *slog.Logger, w io.Writer) error {
	mgr, err := newManager(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()
	best := mgr.GetBestAvailableConnection(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := printEndpoints(w, mgr.GetConnections(), best); err != nil {
		return err
	}
	if best == nil {
		return cli.Exit("no endpoint is connected", 1)
	}
	return nil
}

func newManager(cfg *config.Config, logger *slog.Logger, registerer prometheus.Registerer) (*rpcfailover.Manager, error) {
	mgr := rpcfailover.New(cfg.ManagerOptions(logger, registerer)...)
	for _, ep := range cfg.NewEndpoints() {
		if err := mgr.AddConnection(ep); err != nil {
			_ = mgr.Close()
			return nil, err
		}
	}
	if err := mgr.SetConnectionURI(cfg.Current); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return mgr, nil
}

func serveMetrics(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("serving metrics", "addr", listener.Addr().String(), "path", cfg.Path)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func printEndpoints(w io.Writer, eps []*endpoint.Endpoint, best *endpoint.Endpoint) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tURI\tPRIORITY\tSTATUS\tAUTH\tLATENCY")
	for _, ep := range eps {
		state := ep.Snapshot()
		marker := ""
		if ep == best {
			marker = "*"
		}
		latency := "-"
		if state.HasResponseTime {
			latency = state.ResponseTime.Round(time.Millisecond).String()
		}
		priority := "-"
		if state.Priority > 0 {
			priority = strconv.Itoa(state.Priority)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			marker, state.URI, priority, state.Liveness, state.Authentication, latency)
	}
	return tw.Flush()
}

// logListener logs every change of the current connection.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) OnConnectionChanged(ep *endpoint.Endpoint) {
	if ep == nil {
		l.logger.Warn("no current connection")
		return
	}
	if ep.IsConnected() {
		l.logger.Info("connected", "uri", ep.URI())
		return
	}
	l.logger.Warn("disconnected", "uri", ep.URI(), "status", ep.Liveness(), "auth", ep.Authentication())
}
