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

package rpcfailover_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bufbuild/rpcfailover"
	"github.com/bufbuild/rpcfailover/endpoint"
	"github.com/bufbuild/rpcfailover/internal/clocktest"
	"github.com/bufbuild/rpcfailover/internal/failovertesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerFailover(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))

	a := endpoint.New("http://node-a:18081", endpoint.WithPriority(1))
	b := endpoint.New("http://node-b:18081", endpoint.WithPriority(2))
	c := endpoint.New("http://node-c:18081", endpoint.WithPriority(2))
	d := endpoint.New("http://node-d:18081")
	e := endpoint.New("http://node-e:18081", endpoint.WithCredentials("monero", "wrong"))
	prober.RequireCredentials(e.URI(), "monero", "secret")
	for _, ep := range []*endpoint.Endpoint{a, b, c, d, e} {
		require.NoError(t, mgr.AddConnection(ep))
	}
	require.Equal(t, []*endpoint.Endpoint{a, b, c, d, e}, mgr.GetConnections())
	assert.Nil(t, mgr.GetConnection())
	assert.False(t, mgr.IsConnected())

	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)
	mgr.SetAutoSwitch(true)

	// only A is reachable
	prober.SetOnline(a.URI(), 30*time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, a, mgr.GetConnection())
	assert.True(t, mgr.IsConnected())
	require.Equal(t, 1, listener.Count())
	assert.Same(t, a, listener.Last())

	// a healthy current connection is kept even if a faster one shows up
	prober.SetOnline(b.URI(), time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, a, mgr.GetConnection())
	assert.Equal(t, 1, listener.Count())

	// A goes away; C is the fastest of the priority 2 tier
	prober.SetOffline(a.URI())
	prober.SetOnline(b.URI(), 20*time.Millisecond)
	prober.SetOnline(c.URI(), 10*time.Millisecond)
	prober.SetOnline(d.URI(), 40*time.Millisecond)
	prober.SetOnline(e.URI(), 50*time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, c, mgr.GetConnection())
	assert.True(t, mgr.IsConnected())
	require.Equal(t, 2, listener.Count())
	assert.Same(t, c, listener.Last())
	require.Equal(t, []*endpoint.Endpoint{c, b, d, e, a}, mgr.GetConnections())
	assert.True(t, e.IsOnline())
	assert.Equal(t, endpoint.AuthRejected, e.Authentication())
	assert.False(t, e.IsConnected())

	// nothing reachable: the current connection is kept, but disconnected
	prober.SetAllOffline()
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, c, mgr.GetConnection())
	assert.False(t, mgr.IsConnected())
	require.Equal(t, 3, listener.Count())
	assert.Same(t, c, listener.Last())

	// from disconnected, the next round that finds an endpoint fails over
	prober.SetOnline(d.URI(), 5*time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, d, mgr.GetConnection())
	assert.True(t, mgr.IsConnected())
	require.Equal(t, 4, listener.Count())
	assert.Same(t, d, listener.Last())
}

func TestManagerNoAutoSwitch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	a := endpoint.New("http://node-a:18081", endpoint.WithPriority(1))
	b := endpoint.New("http://node-b:18081", endpoint.WithPriority(2))
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	mgr.SetConnection(a)

	prober.SetOnline(b.URI(), time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Same(t, a, mgr.GetConnection())
	assert.False(t, mgr.IsConnected())
	assert.False(t, mgr.AutoSwitch())

	best := mgr.GetBestAvailableConnection(ctx)
	assert.Same(t, b, best)
	// the best connection is reported, not selected
	assert.Same(t, a, mgr.GetConnection())
	assert.Equal(t, []*endpoint.Endpoint{a, b}, mgr.GetConnections())
}

func TestManagerBestAvailableConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	assert.Nil(t, mgr.GetBestAvailableConnection(ctx))

	a := endpoint.New("http://node-a:18081", endpoint.WithPriority(1))
	b := endpoint.New("http://node-b:18081")
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	assert.Nil(t, mgr.GetBestAvailableConnection(ctx))

	prober.SetOnline(b.URI(), 10*time.Millisecond)
	// the current connection gets no precedence
	mgr.SetConnection(b)
	prober.SetOnline(a.URI(), 50*time.Millisecond)
	assert.Same(t, a, mgr.GetBestAvailableConnection(ctx))

	// online but rejecting its credentials does not count
	prober.RequireCredentials(a.URI(), "user", "pass")
	assert.Same(t, b, mgr.GetBestAvailableConnection(ctx))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Nil(t, mgr.GetBestAvailableConnection(canceled))
}

func TestManagerCheckConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	a := endpoint.New("http://node-a:18081")
	b := endpoint.New("http://node-b:18081")
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))

	// nothing to probe
	require.NoError(t, mgr.CheckConnection(ctx))

	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)
	mgr.SetConnection(a)
	require.Equal(t, 1, listener.Count())
	assert.False(t, mgr.IsConnected())

	prober.SetOnline(a.URI(), 10*time.Millisecond)
	require.NoError(t, mgr.CheckConnection(ctx))
	assert.True(t, mgr.IsConnected())
	require.Equal(t, 2, listener.Count())
	assert.Same(t, a, listener.Last())
	assert.Equal(t, 1, prober.ProbeCount(a.URI()))
	assert.Zero(t, prober.ProbeCount(b.URI()))

	// no change, no notification
	require.NoError(t, mgr.CheckConnection(ctx))
	assert.Equal(t, 2, listener.Count())

	prober.SetOffline(a.URI())
	require.NoError(t, mgr.CheckConnection(ctx))
	assert.False(t, mgr.IsConnected())
	require.Equal(t, 3, listener.Count())
	assert.Same(t, a, listener.Last())
}

func TestManagerCheckConnectionAutoSwitch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober), rpcfailover.WithAutoSwitch(true))
	a := endpoint.New("http://node-a:18081", endpoint.WithPriority(1))
	b := endpoint.New("http://node-b:18081", endpoint.WithPriority(2))
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	prober.SetOnline(a.URI(), 10*time.Millisecond)
	mgr.SetConnection(a)
	require.NoError(t, mgr.CheckConnection(ctx))
	assert.True(t, mgr.IsConnected())
	assert.Zero(t, prober.ProbeCount(b.URI()))

	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)
	prober.SetOffline(a.URI())
	prober.SetOnline(b.URI(), 10*time.Millisecond)
	require.NoError(t, mgr.CheckConnection(ctx))
	assert.Same(t, b, mgr.GetConnection())
	assert.True(t, mgr.IsConnected())
	// losing A and switching to B is a single change
	require.Equal(t, 1, listener.Count())
	assert.Same(t, b, listener.Last())
}

func TestManagerSetConnection(t *testing.T) {
	t.Parallel()
	mgr := newManager(t, rpcfailover.WithProber(failovertesting.NewFakeProber()))
	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)

	// clearing an absent connection is a no-op
	require.NoError(t, mgr.SetConnectionURI(""))
	mgr.Disconnect()
	mgr.SetConnection(nil)
	assert.Zero(t, listener.Count())

	// an unknown URI is registered with defaults
	require.NoError(t, mgr.SetConnectionURI("http://node-x:18081"))
	current := mgr.GetConnection()
	require.NotNil(t, current)
	assert.Equal(t, "http://node-x:18081", current.URI())
	assert.Zero(t, current.Priority())
	_, _, ok := current.Credentials()
	assert.False(t, ok)
	assert.Equal(t, []*endpoint.Endpoint{current}, mgr.GetConnections())
	require.Equal(t, 1, listener.Count())

	// a known URI resolves to the registered endpoint
	require.NoError(t, mgr.SetConnectionURI("http://node-x:18081"))
	assert.Same(t, current, mgr.GetConnection())
	assert.Equal(t, 1, listener.Count())

	// so does a different instance with the same URI
	mgr.SetConnection(endpoint.New("http://node-x:18081", endpoint.WithPriority(3)))
	assert.Same(t, current, mgr.GetConnection())
	assert.Zero(t, current.Priority())
	assert.Equal(t, 1, listener.Count())

	// an untracked endpoint is registered
	y := endpoint.New("http://node-y:18081", endpoint.WithPriority(1))
	mgr.SetConnection(y)
	assert.Same(t, y, mgr.GetConnection())
	assert.Equal(t, []*endpoint.Endpoint{y, current}, mgr.GetConnections())
	require.Equal(t, 2, listener.Count())
	assert.Same(t, y, listener.Last())

	require.NoError(t, mgr.SetConnectionURI(""))
	assert.Nil(t, mgr.GetConnection())
	require.Equal(t, 3, listener.Count())
	assert.Nil(t, listener.Last())
	mgr.Disconnect()
	assert.Equal(t, 3, listener.Count())
	// endpoints stay registered
	assert.Len(t, mgr.GetConnections(), 2)

	mgr.SetConnection(endpoint.New(""))
	assert.Nil(t, mgr.GetConnection())
	assert.Equal(t, 3, listener.Count())
}

func TestManagerSetConnectionKeepsLastKnownState(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))
	prober.SetOnline(a.URI(), 10*time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))

	prober.SetOffline(a.URI())
	mgr.SetConnection(a)
	// setting the current connection does not probe it
	assert.True(t, mgr.IsConnected())
	assert.Equal(t, 1, prober.ProbeCount(a.URI()))
}

func TestManagerRegistryErrors(t *testing.T) {
	t.Parallel()
	mgr := newManager(t, rpcfailover.WithProber(failovertesting.NewFakeProber()))
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))

	err := mgr.AddConnection(endpoint.New("http://node-a:18081", endpoint.WithPriority(1)))
	require.ErrorIs(t, err, rpcfailover.ErrDuplicateEndpoint)
	require.ErrorIs(t, mgr.AddConnection(nil), rpcfailover.ErrInvalidArgument)
	require.ErrorIs(t, mgr.AddConnection(endpoint.New("")), rpcfailover.ErrInvalidArgument)
	require.ErrorIs(t, mgr.AddConnection(endpoint.New("http://[::1")), rpcfailover.ErrInvalidArgument)
	require.ErrorIs(t, mgr.SetConnectionURI("http://[::1"), rpcfailover.ErrInvalidArgument)
	require.ErrorIs(t, mgr.RemoveConnection("http://node-b:18081"), rpcfailover.ErrNotFound)
	assert.Equal(t, []*endpoint.Endpoint{a}, mgr.GetConnections())

	ep, ok := mgr.GetConnectionByURI(a.URI())
	require.True(t, ok)
	assert.Same(t, a, ep)
	_, ok = mgr.GetConnectionByURI("http://node-b:18081")
	assert.False(t, ok)
}

func TestManagerRemoveConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober), rpcfailover.WithAutoSwitch(true))
	a := endpoint.New("http://node-a:18081")
	b := endpoint.New("http://node-b:18081")
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	prober.SetOnline(a.URI(), 10*time.Millisecond)
	prober.SetOnline(b.URI(), 20*time.Millisecond)
	require.NoError(t, mgr.CheckConnections(ctx))
	require.Same(t, a, mgr.GetConnection())

	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)
	require.NoError(t, mgr.RemoveConnection(b.URI()))
	assert.Zero(t, listener.Count())

	// removing the current connection does not select another one
	require.NoError(t, mgr.AddConnection(b))
	require.NoError(t, mgr.RemoveConnection(a.URI()))
	assert.Nil(t, mgr.GetConnection())
	assert.False(t, mgr.IsConnected())
	require.Equal(t, 1, listener.Count())
	assert.Nil(t, listener.Last())
	assert.Equal(t, []*endpoint.Endpoint{b}, mgr.GetConnections())

	// removed endpoints are no longer probed
	require.NoError(t, mgr.CheckConnections(ctx))
	assert.Equal(t, 1, prober.ProbeCount(a.URI()))
	assert.Same(t, b, mgr.GetConnection())
}

func TestManagerPolling(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	period := time.Minute
	testClock := clocktest.NewFakeClock()
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober), rpcfailover.WithAutoSwitch(true))
	rpcfailover.SetClock(mgr, testClock)
	a := endpoint.New("http://node-a:18081", endpoint.WithPriority(1))
	b := endpoint.New("http://node-b:18081", endpoint.WithPriority(2))
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	listener := failovertesting.NewCollectingListener()
	mgr.AddListener(listener)

	require.ErrorIs(t, mgr.StartCheckingConnection(ctx, 0), rpcfailover.ErrInvalidArgument)
	require.ErrorIs(t, mgr.StartCheckingConnection(ctx, -period), rpcfailover.ErrInvalidArgument)
	assert.False(t, mgr.IsCheckingConnection())

	prober.SetOnline(a.URI(), 10*time.Millisecond)
	prober.SetOnline(b.URI(), 10*time.Millisecond)
	// the first round completes before returning
	require.NoError(t, mgr.StartCheckingConnection(ctx, period))
	assert.True(t, mgr.IsCheckingConnection())
	assert.Same(t, a, mgr.GetConnection())
	require.Equal(t, 1, listener.Count())

	prober.SetOffline(a.URI())
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(period)
	require.True(t, listener.AwaitCount(ctx, 2))
	assert.Same(t, b, listener.Last())
	assert.Same(t, b, mgr.GetConnection())
	assert.Equal(t, 2, prober.ProbeCount(a.URI()))

	mgr.StopCheckingConnection()
	mgr.StopCheckingConnection()
	assert.False(t, mgr.IsCheckingConnection())
	assert.Equal(t, 2, listener.Count())
	testClock.Advance(period)
	assert.Equal(t, 2, prober.ProbeCount(a.URI()))
}

func TestManagerRestartPolling(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	testClock := clocktest.NewFakeClock()
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	rpcfailover.SetClock(mgr, testClock)
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))

	require.NoError(t, mgr.StartCheckingConnection(ctx, time.Hour))
	require.Equal(t, 1, prober.ProbeCount(a.URI()))
	// restarting replaces the loop and runs a new first round
	require.NoError(t, mgr.StartCheckingConnection(ctx, time.Minute))
	assert.True(t, mgr.IsCheckingConnection())
	require.Equal(t, 2, prober.ProbeCount(a.URI()))

	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return prober.ProbeCount(a.URI()) == 3
	}, time.Second, time.Millisecond)
}

func TestManagerClose(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := rpcfailover.New(rpcfailover.WithProber(prober))
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))
	prober.SetOnline(a.URI(), 10*time.Millisecond)

	release := prober.Block()
	batch := mgr.CheckConnectionsAsync(ctx)
	require.Len(t, batch.Probes(), 1)
	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())
	release()
	require.NoError(t, batch.Wait(ctx))

	// results arriving after Close are discarded
	assert.Equal(t, endpoint.LivenessUnknown, a.Liveness())
	require.ErrorIs(t, mgr.StartCheckingConnection(ctx, time.Minute), rpcfailover.ErrClosed)
	assert.False(t, mgr.IsCheckingConnection())
}

func TestManagerCheckConnectionsAsync(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober), rpcfailover.WithAutoSwitch(true))
	a := endpoint.New("http://node-a:18081")
	b := endpoint.New("http://node-b:18081")
	require.NoError(t, mgr.AddConnection(a))
	require.NoError(t, mgr.AddConnection(b))
	prober.SetOnline(b.URI(), 10*time.Millisecond)

	release := prober.Block()
	batch := mgr.CheckConnectionsAsync(ctx)
	probes := batch.Probes()
	require.Len(t, probes, 2)
	assert.Same(t, a, probes[0].Endpoint())
	assert.Same(t, b, probes[1].Endpoint())

	// foreground calls do not wait for in-flight probes
	assert.Len(t, mgr.GetConnections(), 2)
	mgr.SetConnection(a)
	assert.Same(t, a, mgr.GetConnection())

	release()
	require.NoError(t, batch.Wait(ctx))
	result, err := probes[0].Result()
	require.NoError(t, err)
	assert.False(t, result.Online)
	result, err = probes[1].Result()
	require.NoError(t, err)
	assert.True(t, result.Online)
	// the round's completion has already applied the failover
	assert.Same(t, b, mgr.GetConnection())
}

func TestManagerCheckConnectionsCanceled(t *testing.T) {
	t.Parallel()
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t, rpcfailover.WithProber(prober))
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))
	prober.SetOnline(a.URI(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	require.ErrorIs(t, mgr.CheckConnections(ctx), context.Canceled)
	mgr.SetConnection(a)
	require.ErrorIs(t, mgr.CheckConnection(ctx), context.Canceled)
	// abandoned probes leave the last known state alone
	assert.Equal(t, endpoint.LivenessUnknown, a.Liveness())
}

func TestManagerLogging(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	prober := failovertesting.NewFakeProber()
	mgr := newManager(t,
		rpcfailover.WithProber(prober),
		rpcfailover.WithProbeTimeout(2*time.Second),
		rpcfailover.WithLogger(logger),
	)
	rpcfailover.SetClock(mgr, clocktest.NewFakeClock())
	a := endpoint.New("http://node-a:18081")
	require.NoError(t, mgr.AddConnection(a))
	prober.SetOnline(a.URI(), 10*time.Millisecond)

	require.NoError(t, mgr.StartCheckingConnection(ctx, time.Minute))
	require.NoError(t, mgr.CheckConnections(ctx))
	output := logs.String()
	assert.Contains(t, output, `"msg":"started checking connections"`)
	assert.Contains(t, output, `"probe_timeout":2000000000`)
	assert.Equal(t, 2, strings.Count(output, `"msg":"probed endpoint"`))
	// only the first probe changed a's connectivity
	assert.Equal(t, 1, strings.Count(output, `"msg":"endpoint connectivity changed"`))
	assert.Contains(t, output, `"connected":true`)
}

func newManager(t *testing.T, options ...rpcfailover.Option) *rpcfailover.Manager {
	t.Helper()
	mgr := rpcfailover.New(options...)
	t.Cleanup(func() {
		require.NoError(t, mgr.Close())
	})
	return mgr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
