package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler retriggers the two ingestion domains on independent cadences.
// Runs execute off the scheduler goroutine so a slow run never delays the
// other domain's tick; the orchestrator's single-flight guards turn
// overlapping triggers into no-ops. No run outcome stops retriggering.
type Scheduler struct {
	orch          *Orchestrator
	clock         clockwork.Clock
	logger        *slog.Logger
	eventsEvery   time.Duration
	staticEvery   time.Duration
	ingestOnStart bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(orch *Orchestrator, clock clockwork.Clock, logger *slog.Logger, eventsEvery, staticEvery time.Duration, ingestOnStart bool) *Scheduler {
	return &Scheduler{
		orch:          orch,
		clock:         clock,
		logger:        logger,
		eventsEvery:   eventsEvery,
		staticEvery:   staticEvery,
		ingestOnStart: ingestOnStart,
	}
}

// Run ticks until the context is cancelled. It always returns nil: every
// failure mode is logged and the next tick retries naturally.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.ingestOnStart {
		go s.trigger(ctx, "events", s.orch.RunEvents)
		go s.trigger(ctx, "static", s.orch.RunStatic)
	}

	eventsTicker := s.clock.NewTicker(s.eventsEvery)
	defer eventsTicker.Stop()
	staticTicker := s.clock.NewTicker(s.staticEvery)
	defer staticTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-eventsTicker.Chan():
			go s.trigger(ctx, "events", s.orch.RunEvents)
		case <-staticTicker.Chan():
			go s.trigger(ctx, "static", s.orch.RunStatic)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, kind string, run func(context.Context) error) {
	err := run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Warn("ingest already running, skipping trigger", "kind", kind)
	case ctx.Err() != nil:
		// Shutdown in progress; the run was interrupted, not broken.
	default:
		s.logger.Error("ingest run failed", "kind", kind, "error", err)
	}
}
