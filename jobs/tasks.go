// Package jobs hosts the background worker. Its one recurring task is
// the break-glass expiry sweep, which transitions overdue sessions and
// deactivates their role assignments.
package jobs

import (
	"context"

	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBreakglassSweep expires overdue break-glass sessions.
	TaskBreakglassSweep = "breakglass:sweep"
)

// Sweeper expires overdue elevation sessions and reports how many it
// transitioned. breakglass.Service satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// NewBreakglassSweepTask constructs the sweep task. It carries no
// payload; the store's conditional update decides what is due.
func NewBreakglassSweepTask() *asynq.Task {
	return asynq.NewTask(TaskBreakglassSweep, nil)
}

// NewBreakglassSweepHandler adapts a Sweeper to an Asynq handler.
func NewBreakglassSweepHandler(sweeper Sweeper, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		count, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Error("breakglass sweep", slog.Any("error", err))
			return err
		}
		if count > 0 {
			logger.Info("breakglass sweep completed", slog.Int("expired", count))
		}
		return nil
	}
}
