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

// Package rpcfailover manages a set of interchangeable RPC endpoints, such
// as several nodes serving the same JSON-RPC API, and keeps one of them as
// the current connection.
//
// Endpoints are registered with a [Manager] using [Manager.AddConnection].
// The manager probes endpoints on demand via [Manager.CheckConnections] or
// periodically via [Manager.StartCheckingConnection]. Probing determines
// whether each endpoint is online, whether it accepted its credentials and
// how long it took to respond. Unreachable endpoints are never errors;
// they are simply reported as offline.
//
// # Ordering
//
// [Manager.GetConnections] returns endpoints best first: the current
// connection, then online endpoints by ascending priority (where priority
// zero means "lowest"), then by response time, and finally in registration
// order.
//
// # Failover
//
// With auto-switch enabled (see [WithAutoSwitch]), every probe round that
// leaves the manager without a connected current endpoint promotes the best
// connected endpoint. A healthy current connection is never replaced just
// because another endpoint is faster.
//
// # Notifications
//
// A [Listener] is told when the current connection changes identity or
// when its connected status flips. Notifications are delivered once per
// operation, so a probe round that both detects an outage and fails over
// produces a single notification naming the new endpoint.
//
// By default endpoints are probed with the JSON-RPC prober from the
// jsonrpc sub-package. Use [WithProber] to probe a different protocol.
package rpcfailover
