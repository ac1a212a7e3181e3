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

// Package endpoint provides the representation of a single remote RPC
// server that a connection manager can fail over to. An [Endpoint] is
// identified by its URI and carries the operator-assigned priority, the
// optional credentials used when probing it, and the health state observed
// by the most recent probe.
//
// Health state is only ever written through [Endpoint.ApplyProbeResult].
// The [github.com/bufbuild/rpcfailover/health] package produces the
// [ProbeResult] values that are applied.
package endpoint
