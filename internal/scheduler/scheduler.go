// Package scheduler starts runs for definitions with cron triggers and
// recovers interrupted runs after a restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// RunStarter is the slice of the engine the scheduler needs. Defined here to
// avoid an import cycle with the engine package.
type RunStarter interface {
	StartRun(ctx context.Context, definitionID string, variables map[string]any) (string, error)
	Resume(ctx context.Context, runID string) error
}

// Scheduler ticks over registered definitions and starts a run whenever a
// cron trigger fires. One instance per process.
type Scheduler struct {
	store    store.Store
	runner   RunStarter
	parser   cron.Parser
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // definition ID + cron, dedup per tick
}

// New creates a Scheduler. The logger may be nil.
func New(st store.Store, runner RunStarter, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.log.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop shuts down the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			s.tick(ctx, last, now)
			last = now
		}
	}
}

// tick starts one run per cron trigger that came due in (last, now].
func (s *Scheduler) tick(ctx context.Context, last, now time.Time) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		s.log.Error("list definitions failed", slog.String("error", err.Error()))
		return
	}

	for _, def := range defs {
		for _, trigger := range def.Triggers {
			if trigger.Cron == "" {
				continue
			}
			due, err := s.dueBetween(trigger.Cron, last, now)
			if err != nil {
				s.log.Warn("bad cron trigger",
					slog.String("definition_id", def.ID), slog.String("cron", trigger.Cron))
				continue
			}
			if !due {
				continue
			}

			key := def.ID + "|" + trigger.Cron
			if !s.tryAcquire(key) {
				continue
			}
			runID, err := s.runner.StartRun(ctx, def.ID, nil)
			if err != nil {
				s.log.Error("scheduled run failed to start",
					slog.String("definition_id", def.ID), slog.String("error", err.Error()))
			} else {
				s.log.Info("scheduled run started",
					slog.String("definition_id", def.ID), slog.String("run_id", runID))
			}
			s.release(key)
		}
	}
}

// dueBetween reports whether the cron expression fires in (last, now].
func (s *Scheduler) dueBetween(expr string, last, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	next := schedule.Next(last)
	return !next.After(now), nil
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Recover resumes runs interrupted by a restart: every non-terminal run is
// handed back to the engine, which re-drives from its checkpoint, re-parks
// waits with their original deadlines, and re-arms human timeouts.
func (s *Scheduler) Recover(ctx context.Context) error {
	recovered := 0
	for _, status := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusWaitingOnHuman} {
		runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: status})
		if err != nil {
			return fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, rc := range runs {
			if err := s.runner.Resume(ctx, rc.RunID); err != nil {
				s.log.Error("resume failed",
					slog.String("run_id", rc.RunID), slog.String("error", err.Error()))
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Info("recovered interrupted runs", slog.Int("count", recovered))
	}
	return nil
}
