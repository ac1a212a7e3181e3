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

package health_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpcfailover/health"
	"github.com/bufbuild/rpcfailover/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerInvalidPeriod(t *testing.T) {
	t.Parallel()
	poller := health.NewPoller()
	_, err := poller.Start(0, func() func() { return nil })
	require.ErrorIs(t, err, health.ErrInvalidPeriod)
	_, err = poller.Start(-time.Second, func() func() { return nil })
	require.ErrorIs(t, err, health.ErrInvalidPeriod)
	assert.False(t, poller.Running())
}

func TestPollerTicks(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	period := 5 * time.Second
	testClock := clocktest.NewFakeClock()
	poller := health.NewPoller()
	poller.SetClock(testClock)

	ticks := make(chan struct{}, 1)
	first, err := poller.Start(period, func() func() {
		ticks <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, poller.Running())

	// first cycle runs right away
	expectTick(ctx, t, ticks)
	awaitSignal(ctx, t, first)

	for range 3 {
		require.NoError(t, testClock.BlockUntilContext(ctx, 1))
		testClock.Advance(period)
		expectTick(ctx, t, ticks)
	}

	poller.Stop()
	poller.Wait()
	assert.False(t, poller.Running())
	testClock.Advance(period)
	select {
	case <-ticks:
		t.Fatal("tick after stop")
	default:
	}

	// idempotent
	poller.Stop()
	poller.Wait()
}

func TestPollerStopDoesNotAbortCycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	poller := health.NewPoller()
	poller.SetClock(clocktest.NewFakeClock())
	started, release := make(chan struct{}), make(chan struct{})
	var finished atomic.Bool
	_, err := poller.Start(time.Second, func() func() {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	awaitSignal(ctx, t, started)

	// Stop returns while the cycle is still blocked
	poller.Stop()
	assert.False(t, finished.Load())
	close(release)
	poller.Wait()
	assert.True(t, finished.Load())
}

func TestPollerRestartWaitsForInFlightCycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	poller := health.NewPoller()
	poller.SetClock(clocktest.NewFakeClock())
	started, release := make(chan struct{}), make(chan struct{})
	var running, overlapped atomic.Bool
	oldTick := func() func() {
		running.Store(true)
		close(started)
		<-release
		running.Store(false)
		return nil
	}
	_, err := poller.Start(time.Second, oldTick)
	require.NoError(t, err)
	awaitSignal(ctx, t, started)

	newTicks := make(chan struct{}, 1)
	first, err := poller.Start(time.Second, func() func() {
		if running.Load() {
			overlapped.Store(true)
		}
		newTicks <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	select {
	case <-newTicks:
		t.Fatal("new loop should wait for the in-flight cycle")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	expectTick(ctx, t, newTicks)
	awaitSignal(ctx, t, first)
	assert.False(t, overlapped.Load())

	poller.Stop()
	poller.Wait()
}

func TestPollerAfterCallsBackIntoPoller(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	poller := health.NewPoller()
	poller.SetClock(clocktest.NewFakeClock())
	restarted := make(chan struct{})
	var cycles atomic.Int32
	var cycle health.Cycle
	cycle = func() func() {
		if cycles.Add(1) > 1 {
			return nil
		}
		return func() {
			// restarting waits for the new loop's first cycle
			first, err := poller.Start(time.Second, cycle)
			assert.NoError(t, err)
			<-first
			poller.Stop()
			poller.Wait()
			close(restarted)
		}
	}
	first, err := poller.Start(time.Second, cycle)
	require.NoError(t, err)
	awaitSignal(ctx, t, restarted)
	awaitSignal(ctx, t, first)
	assert.Equal(t, int32(2), cycles.Load())
	assert.False(t, poller.Running())
}

func expectTick(ctx context.Context, t *testing.T, ticks <-chan struct{}) {
	t.Helper()
	select {
	case <-ticks:
	case <-ctx.Done():
		t.Fatal("polling cycle did not run within timeout")
	}
}

func awaitSignal(ctx context.Context, t *testing.T, signal <-chan struct{}) {
	t.Helper()
	select {
	case <-signal:
	case <-ctx.Done():
		t.Fatal("signal not received within timeout")
	}
}
