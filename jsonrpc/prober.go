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

package jsonrpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/health"
	"golang.org/x/net/http2"
)

const (
	// DefaultPath is the request path used when the endpoint URI has none.
	DefaultPath = "/json_rpc"
	// DefaultMethod is the JSON-RPC method invoked by a probe.
	DefaultMethod = "get_version"

	// Probe responses are small; anything beyond this is not read.
	maxResponseBytes = 1 << 20
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   15 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Option configures a Prober.
type Option func(*Prober)

// WithPath sets the request path used for endpoint URIs that do not
// include one.
func WithPath(path string) Option {
	return func(p *Prober) {
		p.path = path
	}
}

// WithMethod sets the JSON-RPC method invoked by a probe. The method should
// be cheap and have no side effects.
func WithMethod(method string) Option {
	return func(p *Prober) {
		p.method = method
	}
}

// WithRoundTripper sets the transport used for "http" and "https" URIs.
// It is not used for "h2c" URIs.
func WithRoundTripper(transport http.RoundTripper) Option {
	return func(p *Prober) {
		p.client.Transport = transport
	}
}

// Prober probes JSON-RPC servers. It is safe for concurrent use.
type Prober struct {
	path   string
	method string
	client *http.Client
	h2c    *http.Client
}

var _ health.Prober = (*Prober)(nil)

// NewProber returns a prober with the given options.
func NewProber(opts ...Option) *Prober {
	prober := &Prober{
		path:   DefaultPath,
		method: DefaultMethod,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         defaultDialer.DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		h2c: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return defaultDialer.DialContext(ctx, network, addr)
				},
			},
		},
	}
	for _, opt := range opts {
		opt(prober)
	}
	return prober
}

type request struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *responseError  `json:"error"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Probe implements the health.Prober interface. The response time is left
// for the caller to measure.
func (p *Prober) Probe(ctx context.Context, ep *endpoint.Endpoint) endpoint.ProbeResult {
	target, client, ok := p.target(ep.URI())
	if !ok {
		return endpoint.OfflineResult()
	}
	body, err := json.Marshal(request{Version: "2.0", ID: "0", Method: p.method})
	if err != nil {
		return endpoint.OfflineResult()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return endpoint.OfflineResult()
	}
	req.Header.Set("Content-Type", "application/json")
	username, password, hasCredentials := ep.Credentials()
	if hasCredentials {
		req.SetBasicAuth(username, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return endpoint.OfflineResult()
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return endpoint.ProbeResult{Online: true, Authentication: endpoint.AuthRejected}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return endpoint.OfflineResult()
	}
	var msg response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&msg); err != nil {
		return endpoint.OfflineResult()
	}
	if msg.Version != "2.0" || (msg.Result == nil && msg.Error == nil) {
		// not a JSON-RPC server
		return endpoint.OfflineResult()
	}
	// A JSON-RPC error still proves the server is up and let us in.
	return endpoint.ProbeResult{Online: true, Authentication: endpoint.AuthAccepted}
}

// CloseIdleConnections closes connections kept alive by earlier probes.
func (p *Prober) CloseIdleConnections() {
	p.client.CloseIdleConnections()
	p.h2c.CloseIdleConnections()
}

// target returns the request URL for the given endpoint URI and the client
// that serves its scheme.
func (p *Prober) target(uri string) (string, *http.Client, bool) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return "", nil, false
	}
	client := p.client
	switch parsed.Scheme {
	case "http", "https":
	case "h2c":
		parsed.Scheme = "http"
		client = p.h2c
	default:
		return "", nil, false
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = p.path
	}
	// credentials come from the endpoint, not the URI
	parsed.User = nil
	return parsed.String(), client, true
}
