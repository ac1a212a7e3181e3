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

package health

import (
	"errors"
	"sync"
	"time"

	"github.com/bufbuild/rpcfailover/internal"
)

// ErrInvalidPeriod is returned by Poller.Start for a period that is not
// positive.
var ErrInvalidPeriod = errors.New("polling period must be positive")

// Cycle is one unit of polling work. The returned function, if non-nil, is
// called once the cycle has left the single-flight section, so it may call
// back into the poller (to restart or stop it, or to Wait) without
// deadlocking.
type Cycle func() (after func())

// Poller invokes a function on a fixed period from a background goroutine.
// Cycles never overlap, even across restarts. The zero value is not usable;
// use NewPoller.
type Poller struct {
	// inFlight holds a token while a cycle is running.
	inFlight chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	clock internal.Clock
	// +checklocks:mu
	stop chan struct{}
}

// NewPoller returns a poller that is not yet running.
func NewPoller() *Poller {
	return &Poller{
		inFlight: make(chan struct{}, 1),
		clock:    internal.NewRealClock(),
	}
}

// Start begins a polling loop that runs cycle immediately and then again
// each time the given period elapses after the previous cycle returned.
//
// If a loop is already running, it is stopped. The new loop does not run
// its first cycle until the previous loop's in-flight cycle, if any, has
// completed. The previous loop's after function is not waited for.
//
// The returned channel is closed once the first cycle and its after
// function have completed, or once the loop is stopped before running it.
func (p *Poller) Start(period time.Duration, cycle Cycle) (<-chan struct{}, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	stop, first := make(chan struct{}), make(chan struct{})
	p.stop = stop
	go p.run(p.clock, period, cycle, stop, first)
	return first, nil
}

// Stop stops the polling loop. It returns promptly: a cycle that is in
// progress is allowed to finish in the background, but no further cycles
// are scheduled. Stopping a poller that is not running is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running returns true if a polling loop has been started and not stopped.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// Wait blocks until no cycle is in flight. After Stop, this guarantees
// that no further cycle will run. It may be called from an after function.
func (p *Poller) Wait() {
	p.inFlight <- struct{}{}
	<-p.inFlight
}

// +checklocks:p.mu
func (p *Poller) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Poller) run(
	clock internal.Clock,
	period time.Duration,
	cycle Cycle,
	stop <-chan struct{},
	first chan<- struct{},
) {
	var firstOnce sync.Once
	closeFirst := func() { firstOnce.Do(func() { close(first) }) }
	defer closeFirst()

	if !p.runCycle(cycle, stop) {
		return
	}
	closeFirst()

	timer := clock.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.Chan():
		}
		if !p.runCycle(cycle, stop) || stopped(stop) {
			return
		}
		timer.Reset(period)
	}
}

// runCycle returns false if the loop was stopped before the cycle began.
func (p *Poller) runCycle(cycle Cycle, stop <-chan struct{}) bool {
	select {
	case p.inFlight <- struct{}{}:
	case <-stop:
		return false
	}
	if stopped(stop) {
		<-p.inFlight
		return false
	}
	after := func() func() {
		defer func() { <-p.inFlight }()
		return cycle()
	}()
	if after != nil {
		after()
	}
	return true
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
