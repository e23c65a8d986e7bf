// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drains the outbox on a cron cadence and whenever
// connectivity comes back. Drains that overlap an in-flight cycle are
// absorbed by the engine's single-flight guard.
type Scheduler struct {
	engine  *Engine
	monitor Monitor
	logger  *slog.Logger

	spec        string
	cron        *cron.Cron
	cancelWatch func()
}

// NewScheduler creates a scheduler with the given cron spec, e.g.
// "@every 1m".
func NewScheduler(engine *Engine, monitor Monitor, spec string, logger *slog.Logger) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if spec == "" {
		spec = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:  engine,
		monitor: monitor,
		logger:  logger,
		spec:    spec,
	}, nil
}

// Start begins the periodic drain and subscribes to connectivity
// changes. Calling Start on a running scheduler is an error.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.runDrain); err != nil {
		return fmt.Errorf("failed to schedule drain: %w", err)
	}
	c.Start()
	s.cron = c

	if s.monitor != nil {
		s.cancelWatch = s.monitor.OnChange(func(online bool) {
			if online {
				s.logger.Info("connectivity restored, draining outbox")
				s.runDrain()
			}
		})
	}
	return nil
}

// Stop halts the cron loop and the connectivity subscription. An
// in-flight drain finishes on its own.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
}

func (s *Scheduler) runDrain() {
	summary, err := s.engine.ProcessQueue(context.Background())
	if err != nil {
		s.logger.Warn("scheduled drain failed", "error", err)
		return
	}
	if summary.Synced > 0 || summary.Failed > 0 {
		s.logger.Info("scheduled drain finished",
			"synced", summary.Synced, "failed", summary.Failed, "remaining", summary.Remaining)
	}
}
