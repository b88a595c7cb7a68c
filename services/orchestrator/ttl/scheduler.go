// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionExpirer deletes sessions whose retention deadline is before now.
// conversation.WeaviateStore implements it.
type SessionExpirer interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time, batch int) (int, error)
}

// SchedulerConfig configures the retention sweep.
type SchedulerConfig struct {
	// Interval between sweeps. Default: 1h.
	Interval time.Duration

	// BatchSize is the number of sessions deleted per batch. Default: 100.
	BatchSize int

	// MaxBatchesPerRun caps one sweep so a large backlog drains over
	// several runs. Default: 10.
	MaxBatchesPerRun int
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:         1 * time.Hour,
		BatchSize:        100,
		MaxBatchesPerRun: 10,
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	defaults := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
}

// CleanupResult summarizes one sweep.
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	Batches         int
	SessionsDeleted int
}

// DurationMs returns the sweep duration in milliseconds.
func (r CleanupResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Scheduler runs retention sweeps on a ticker.
//
// # Description
//
// Start runs one sweep immediately and then one per Interval until Stop is
// called or the context passed to Start is cancelled. A sweep deletes
// batches until a batch comes back short, MaxBatchesPerRun is reached or
// an error occurs.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Sweeps never overlap.
type Scheduler struct {
	expirer SessionExpirer
	clock   ClockChecker
	config  SchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	sweepMu sync.Mutex
}

// NewScheduler creates a scheduler. A nil clock uses a ClockChecker whose
// forward-jump allowance covers two intervals.
func NewScheduler(expirer SessionExpirer, clock ClockChecker, config SchedulerConfig) *Scheduler {
	applySchedulerDefaults(&config)
	if clock == nil {
		clockCfg := DefaultClockConfig()
		if jump := 2 * config.Interval; jump > clockCfg.MaxForwardJump {
			clockCfg.MaxForwardJump = jump
		}
		clock = NewClockCheckerWithConfig(clockCfg)
	}
	return &Scheduler{expirer: expirer, clock: clock, config: config}
}

// Start launches the sweep loop.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	slog.Info("Session TTL scheduler starting",
		"interval", s.config.Interval.String(),
		"batch_size", s.config.BatchSize,
	)
	go s.runLoop(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop ends the loop and waits for it to exit. Stopping a scheduler that is
// not running is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	slog.Info("Session TTL scheduler stopped")
}

// RunNow runs one sweep synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	result := CleanupResult{StartTime: time.Now()}
	now, err := s.clock.Now()
	if err != nil {
		result.EndTime = time.Now()
		return result, fmt.Errorf("clock sanity check failed, refusing TTL sweep: %w", err)
	}

	for result.Batches < s.config.MaxBatchesPerRun {
		if err := ctx.Err(); err != nil {
			result.EndTime = time.Now()
			return result, err
		}
		deleted, err := s.expirer.DeleteExpiredSessions(ctx, now, s.config.BatchSize)
		result.Batches++
		result.SessionsDeleted += deleted
		if err != nil {
			result.EndTime = time.Now()
			return result, fmt.Errorf("delete expired sessions: %w", err)
		}
		if deleted < s.config.BatchSize {
			break
		}
	}
	result.EndTime = time.Now()
	return result, nil
}

func (s *Scheduler) runLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Session TTL scheduler stopped (context cancelled)")
			return
		case <-stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("Session TTL sweep failed",
			"sessions_deleted", result.SessionsDeleted,
			"error", err,
		)
		return
	}
	if result.SessionsDeleted > 0 {
		slog.Info("Session TTL sweep completed",
			"sessions_deleted", result.SessionsDeleted,
			"batches", result.Batches,
			"duration_ms", result.DurationMs(),
		)
		return
	}
	slog.Debug("Session TTL sweep completed (no expired sessions)")
}
