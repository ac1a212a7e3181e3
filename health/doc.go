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

// Package health provides health checking of RPC endpoints for an
// rpcfailover.Manager.
//
// The package defines the [Prober] interface, which performs one probe of
// one endpoint, and the [Checker] which runs probes with a timeout, either
// one at a time or as a concurrent [Batch]. A batch exposes a waitable
// handle for every outstanding probe, so callers that need to synchronize
// with an in-flight round can do so explicitly.
//
// The [Poller] runs a function on a fixed period. It is single-flight: a
// cycle always completes (or the loop is stopped) before the next one is
// scheduled, and replacing a running loop waits for its in-flight cycle.
// Work returned by a [Cycle] as its after function runs outside that
// section and may restart or stop the poller.
//
// A concrete prober for HTTP JSON-RPC servers is provided by the
// [github.com/bufbuild/rpcfailover/jsonrpc] package.
package health
