// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package presence

import (
	"sync"
	"time"
)

// =============================================================================
// SINGLE-SLOT SCHEDULER
// =============================================================================

// Slot holds at most one deferred action.
// Scheduling a new action cancels the pending one. A timer that fires after
// its action was cancelled or replaced does nothing.
type Slot struct {
	clock Clock
	post  func(func())

	mu      sync.Mutex
	gen     uint64
	timer   Timer
	pending bool
}

// NewSlot creates a slot. When post is non-nil the fired action is handed to
// post instead of running on the timer goroutine; the generation check runs
// inside the posted function.
func NewSlot(clock Clock, post func(func())) *Slot {
	if clock == nil {
		clock = RealClock{}
	}
	return &Slot{clock: clock, post: post}
}

// Schedule runs action after delay, replacing any pending action.
func (s *Slot) Schedule(delay time.Duration, action func()) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = true
	s.mu.Unlock()

	// AfterFunc may run f synchronously on a manual clock, so the lock is released first.
	t := s.clock.AfterFunc(delay, func() { s.fire(gen, action) })

	s.mu.Lock()
	if s.gen == gen {
		s.timer = t
	}
	s.mu.Unlock()
}

// Cancel drops the pending action, if any.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether an action is scheduled and not yet run.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Slot) fire(gen uint64, action func()) {
	run := func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.gen++
		s.timer = nil
		s.pending = false
		s.mu.Unlock()
		action()
	}
	if s.post != nil {
		s.post(run)
		return
	}
	run()
}
