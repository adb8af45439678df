// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import "sync"

// =============================================================================
// RENEWAL GATE
// =============================================================================

// RenewOutcome is the shared result of one renewal round trip. Every caller
// parked during a renewal observes exactly one outcome: the same new
// credential or the same failure.
type RenewOutcome struct {
	Token string
	Err   error
}

// RenewGate enforces the single-flight renewal contract: at most one renewal
// attempt is ever in flight, and callers that arrive while one is running
// are parked in a FIFO queue until the owner releases them.
//
// The gate owns no HTTP plumbing; it is purely the concurrency contract, so
// it can be exercised in isolation.
type RenewGate struct {
	mu       sync.Mutex
	inFlight bool
	waiters  []chan RenewOutcome
}

// NewRenewGate creates an idle gate.
func NewRenewGate() *RenewGate {
	return &RenewGate{}
}

// AcquireOrWait either makes the caller the renewal owner (owner == true,
// wait == nil) or parks it behind the in-flight renewal (owner == false;
// receive the shared outcome from wait). An owner must call Release exactly
// once, on every path.
func (g *RenewGate) AcquireOrWait() (owner bool, wait <-chan RenewOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.inFlight {
		g.inFlight = true
		return true, nil
	}

	ch := make(chan RenewOutcome, 1)
	g.waiters = append(g.waiters, ch)
	return false, ch
}

// Release publishes the outcome to every parked caller in arrival order and
// reopens the gate. The buffered channels make delivery non-blocking, so the
// release order is strictly FIFO even if a waiter is slow to receive.
func (g *RenewGate) Release(outcome RenewOutcome) {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.inFlight = false
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}
}

// InFlight reports whether a renewal is currently running.
func (g *RenewGate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
