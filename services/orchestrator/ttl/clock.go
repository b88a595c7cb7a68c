// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires shopping sessions whose retention deadline has passed.
package ttl

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker validates the system clock before a retention sweep.
//
// # Description
//
// A clock set to the future would expire live sessions early. A clock set
// to the past would keep expired sessions forever. Sweeps refuse to run
// while the clock looks wrong.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ClockChecker interface {
	// CheckClockSanity returns an error if the current time is outside the
	// valid window or jumped too far since the last good check.
	CheckClockSanity() error

	// Now returns the current time after a sanity check.
	Now() (time.Time, error)

	// ResetJumpDetection makes the next check skip jump detection, e.g.
	// after an intentional clock correction.
	ResetJumpDetection()
}

// ClockConfig bounds what counts as a sane clock.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig returns bounds suited to an hourly sweep.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

type clockChecker struct {
	config            ClockConfig
	now               func() time.Time
	lastKnownGoodTime time.Time
	mu                sync.Mutex
	checkCount        int64
}

// NewClockChecker creates a checker with DefaultClockConfig.
func NewClockChecker() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig())
}

// NewClockCheckerWithConfig creates a checker with the given bounds.
func NewClockCheckerWithConfig(config ClockConfig) ClockChecker {
	return newClockChecker(config, time.Now)
}

func newClockChecker(config ClockConfig, now func() time.Time) *clockChecker {
	return &clockChecker{config: config, now: now, lastKnownGoodTime: now()}
}

func (c *clockChecker) CheckClockSanity() error {
	_, err := c.check()
	return err
}

func (c *clockChecker) check() (time.Time, error) {
	now := c.now()

	if now.Before(c.config.MinValidTime) {
		return now, fmt.Errorf("clock sanity: time %v is before minimum valid time %v",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return now, fmt.Errorf("clock sanity: time %v is after maximum valid time %v",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkCount > 0 {
		diff := now.Sub(c.lastKnownGoodTime)
		if diff < -c.config.MaxBackwardJump {
			return now, fmt.Errorf("clock sanity: backward jump of %v detected (max allowed: %v)",
				-diff, c.config.MaxBackwardJump)
		}
		if diff > c.config.MaxForwardJump {
			return now, fmt.Errorf("clock sanity: forward jump of %v detected (max allowed: %v)",
				diff, c.config.MaxForwardJump)
		}
	}

	c.lastKnownGoodTime = now
	c.checkCount++
	return now, nil
}

func (c *clockChecker) Now() (time.Time, error) {
	now, err := c.check()
	if err != nil {
		slog.Warn("clock sanity check failed", "error", err)
		return time.Time{}, err
	}
	return now, nil
}

func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastKnownGoodTime = c.now()
	c.checkCount = 0

	slog.Info("clock checker: jump detection reset",
		"new_baseline", c.lastKnownGoodTime.Format(time.RFC3339),
	)
}

// noopClockChecker trusts the system clock.
type noopClockChecker struct{}

// NewNoopClockChecker returns a checker that never fails.
func NewNoopClockChecker() ClockChecker {
	return noopClockChecker{}
}

func (noopClockChecker) CheckClockSanity() error { return nil }

func (noopClockChecker) Now() (time.Time, error) { return time.Now(), nil }

func (noopClockChecker) ResetJumpDetection() {}
