package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SweepTask is one unit of periodic maintenance. It returns the number of
// entries removed.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) int
}

// Sweeper drives periodic maintenance over all per-principal state: cache
// expiry, idle conversations, idle rate buckets, and expired interaction
// rows. Tasks are panic-isolated so one misbehaving task never stops the
// others or the sweep loop.
type Sweeper struct {
	interval time.Duration
	tasks    []SweepTask
}

// NewSweeper builds a sweeper; a non-positive interval falls back to five
// minutes.
func NewSweeper(interval time.Duration, tasks ...SweepTask) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{interval: interval, tasks: tasks}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || len(s.tasks) == 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every task once.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()

	for _, t := range s.tasks {
		removed := s.runTask(ctx, t)
		span.SetAttributes(attribute.Int("sweep."+t.Name+".removed", removed))
		if removed > 0 {
			slog.Debug("sweep task done", slog.String("task", t.Name), slog.Int("removed", removed))
		}
	}
}

func (s *Sweeper) runTask(ctx context.Context, t SweepTask) (removed int) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("sweep task panicked", slog.String("task", t.Name), slog.Any("recover", rec))
		}
	}()
	return t.Run(ctx)
}
