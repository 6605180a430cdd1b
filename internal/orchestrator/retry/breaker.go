// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSet holds one circuit breaker per task family key. A breaker trips
// open after a run of consecutive failures, stays open for the cooldown, and
// probes with a single half-open attempt before closing again.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
}

// NewBreakerSet creates a breaker set that opens after threshold consecutive
// failures and cools down for the given duration.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold < 1 {
		threshold = 1
	}
	return &BreakerSet{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
	}
}

func (s *BreakerSet) breaker(family string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[family]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        family,
		MaxRequests: 1, // one probe while half-open
		Timeout:     s.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
	})
	s.breakers[family] = cb
	return cb
}

// Execute runs fn under the family's breaker. When the breaker is open the
// call fails fast with gobreaker.ErrOpenState without invoking fn.
func (s *BreakerSet) Execute(family string, fn func() error) error {
	_, err := s.breaker(family).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state for a family. Families never seen report
// as closed.
func (s *BreakerSet) State(family string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[family]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Counts returns the breaker's request/failure counters for a family.
func (s *BreakerSet) Counts(family string) gobreaker.Counts {
	s.mu.Lock()
	cb, ok := s.breakers[family]
	s.mu.Unlock()
	if !ok {
		return gobreaker.Counts{}
	}
	return cb.Counts()
}

// Reset discards the breaker for a family, returning it to closed with clean
// counters.
func (s *BreakerSet) Reset(family string) {
	s.mu.Lock()
	delete(s.breakers, family)
	s.mu.Unlock()
}
