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

package endpoint_test

import (
	"testing"
	"time"

	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	ep := endpoint.New("http://localhost:18082")
	assert.Equal(t, "http://localhost:18082", ep.URI())
	assert.Equal(t, 0, ep.Priority())
	assert.Equal(t, endpoint.LivenessUnknown, ep.Liveness())
	assert.Equal(t, endpoint.AuthUnknown, ep.Authentication())
	assert.False(t, ep.IsOnline())
	assert.False(t, ep.IsConnected())
	_, _, ok := ep.Credentials()
	assert.False(t, ok)
	_, ok = ep.ResponseTime()
	assert.False(t, ok)
}

func TestOptions(t *testing.T) {
	t.Parallel()
	ep := endpoint.New("http://localhost:18082",
		endpoint.WithPriority(2),
		endpoint.WithCredentials("rpc_user", "abc123"),
	)
	assert.Equal(t, 2, ep.Priority())
	user, pass, ok := ep.Credentials()
	require.True(t, ok)
	assert.Equal(t, "rpc_user", user)
	assert.Equal(t, "abc123", pass)

	ep.SetPriority(-4)
	assert.Equal(t, 0, ep.Priority())
	ep.ClearCredentials()
	_, _, ok = ep.Credentials()
	assert.False(t, ok)
	ep.SetCredentials("", "")
	_, _, ok = ep.Credentials()
	assert.False(t, ok)
}

func TestApplyProbeResult(t *testing.T) {
	t.Parallel()
	ep := endpoint.New("http://localhost:18082")

	// unknown -> online and authenticated
	changed := ep.ApplyProbeResult(endpoint.ProbeResult{
		Online:         true,
		Authentication: endpoint.AuthAccepted,
		ResponseTime:   12 * time.Millisecond,
	})
	assert.True(t, changed)
	assert.True(t, ep.IsOnline())
	assert.True(t, ep.IsAuthenticated())
	assert.True(t, ep.IsConnected())
	rtt, ok := ep.ResponseTime()
	require.True(t, ok)
	assert.Equal(t, 12*time.Millisecond, rtt)

	// same status, new latency
	changed = ep.ApplyProbeResult(endpoint.ProbeResult{
		Online:         true,
		Authentication: endpoint.AuthAccepted,
		ResponseTime:   20 * time.Millisecond,
	})
	assert.False(t, changed)

	// credentials rejected: still online, but no longer connected
	changed = ep.ApplyProbeResult(endpoint.ProbeResult{Online: true, Authentication: endpoint.AuthRejected})
	assert.True(t, changed)
	assert.True(t, ep.IsOnline())
	assert.False(t, ep.IsConnected())

	// offline clears authentication and latency
	changed = ep.ApplyProbeResult(endpoint.OfflineResult())
	assert.False(t, changed)
	assert.Equal(t, endpoint.LivenessOffline, ep.Liveness())
	assert.Equal(t, endpoint.AuthUnknown, ep.Authentication())
	_, ok = ep.ResponseTime()
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	ep := endpoint.New("http://localhost:18083", endpoint.WithPriority(1))
	ep.ApplyProbeResult(endpoint.ProbeResult{Online: true, ResponseTime: time.Millisecond})
	snapshot := ep.Snapshot()
	assert.Equal(t, endpoint.Snapshot{
		URI:             "http://localhost:18083",
		Priority:        1,
		Liveness:        endpoint.LivenessOnline,
		Authentication:  endpoint.AuthUnknown,
		ResponseTime:    time.Millisecond,
		HasResponseTime: true,
	}, snapshot)
	assert.True(t, snapshot.Connected())
}

func TestStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "offline", endpoint.LivenessOffline.String())
	assert.Equal(t, "Liveness(7)", endpoint.Liveness(7).String())
	assert.Equal(t, "rejected", endpoint.AuthRejected.String())
	assert.Equal(t, "http://a (priority=0, unknown, auth=unknown)", endpoint.New("http://a").String())
}
