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
	"errors"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rpcfailover"

// metrics holds the manager's collectors. A nil *metrics records nothing.
type metrics struct {
	probes         *prometheus.CounterVec
	probeDuration  prometheus.Histogram
	switches       prometheus.Counter
	notifications  prometheus.Counter
	listenerPanics prometheus.Counter
	endpoints      prometheus.Gauge
	connected      prometheus.Gauge
}

// newMetrics creates the collectors and registers them with registerer.
// It returns nil if registerer is nil. Collectors already registered with
// registerer are reused, so managers sharing a registerer also share
// their counters; the gauges then reflect whichever manager updated them
// last.
func newMetrics(registerer prometheus.Registerer) *metrics {
	if registerer == nil {
		return nil
	}
	return &metrics{
		probes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "probes_total",
			Help:      "Endpoint probes by result (connected, rejected, offline).",
		}, []string{"result"})),
		probeDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "probe_duration_seconds",
			Help:      "Response time of endpoints that answered a probe.",
			Buckets:   prometheus.DefBuckets,
		})),
		switches: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "switches_total",
			Help:      "Automatic failovers to a different endpoint.",
		})),
		notifications: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Connection changes delivered to listeners.",
		})),
		listenerPanics: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "listener_panics_total",
			Help:      "Connection listeners that panicked.",
		})),
		endpoints: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "endpoints",
			Help:      "Number of registered endpoints.",
		})),
		connected: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "1 if the current connection is connected, 0 otherwise.",
		})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *metrics) observeProbe(result endpoint.ProbeResult) {
	if m == nil {
		return
	}
	switch {
	case !result.Online:
		m.probes.WithLabelValues("offline").Inc()
		return
	case result.Authentication == endpoint.AuthRejected:
		m.probes.WithLabelValues("rejected").Inc()
	default:
		m.probes.WithLabelValues("connected").Inc()
	}
	m.probeDuration.Observe(result.ResponseTime.Seconds())
}

func (m *metrics) observeSwitch() {
	if m == nil {
		return
	}
	m.switches.Inc()
}

func (m *metrics) observeNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *metrics) observeListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *metrics) setEndpoints(n int) {
	if m == nil {
		return
	}
	m.endpoints.Set(float64(n))
}

func (m *metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
