// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry implements the backoff policy and circuit breakers that the
// task executor drives attempts with.
package retry

import (
	"math/rand"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/config"
)

// BackoffType selects the delay growth curve between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffFixed       BackoffType = "fixed"
)

// Policy decides how many attempts a task gets, how long to wait between
// them, and which failures are worth retrying at all.
type Policy struct {
	MaxAttempts        int
	Backoff            BackoffType
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Jitter             bool
	RetryableErrors    []string
	RetryableExitCodes []int

	// randFloat is swapped out in tests; nil means math/rand.
	randFloat func() float64
}

// FromConfig builds a policy from the server's retry configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:        cfg.MaxAttempts,
		Backoff:            BackoffType(cfg.BackoffType),
		BaseDelay:          cfg.BaseDelay,
		MaxDelay:           cfg.MaxDelay,
		Jitter:             cfg.Jitter,
		RetryableErrors:    cfg.RetryableErrors,
		RetryableExitCodes: cfg.RetryableExitCodes,
	}
}

// Delay returns the wait computed for the given attempt number (1-based):
// exponential grows as base·2^(attempt-1), linear as base·attempt, fixed
// stays at base. The result is clamped to MaxDelay, then jittered by a
// uniform factor in [0.9, 1.1] and clamped again. There is no delay before
// the first attempt, so the executor sleeps Delay(n) after attempt n fails.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = p.BaseDelay * time.Duration(attempt)
	case BackoffFixed:
		delay = p.BaseDelay
	default: // exponential
		delay = p.BaseDelay
		for i := 1; i < attempt && delay < p.MaxDelay; i++ {
			delay *= 2
		}
	}
	if delay < 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		rf := p.randFloat
		if rf == nil {
			rf = rand.Float64
		}
		factor := 0.9 + 0.2*rf()
		delay = time.Duration(float64(delay) * factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// IsRetryable classifies a finished attempt: retry when the exit code is in
// RetryableExitCodes, or when the error message contains any of the
// RetryableErrors substrings (case-sensitive).
func (p Policy) IsRetryable(exitCode int, errMsg string) bool {
	for _, code := range p.RetryableExitCodes {
		if exitCode == code {
			return true
		}
	}
	if errMsg == "" {
		return false
	}
	for _, substr := range p.RetryableErrors {
		if substr != "" && strings.Contains(errMsg, substr) {
			return true
		}
	}
	return false
}
