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

// Package jsonrpc provides a health.Prober for servers that speak JSON-RPC
// 2.0 over HTTP.
//
// A probe POSTs a single request (by default "get_version" to the
// "/json_rpc" path) to the endpoint. The endpoint is online if it answers
// with a JSON-RPC response. It rejected its credentials if it answers with
// HTTP 401 or 403. Anything else, including a transport failure, means it
// is offline.
//
// Endpoint URIs may use the "http", "https" and "h2c" schemes. The latter
// forces HTTP/2 over plain-text connections.
package jsonrpc
