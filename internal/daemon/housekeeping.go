package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/robfig/cron/v3"
)

// idleLaneAge is how long a session lane or rate limiter may sit unused
// before it is pruned.
const idleLaneAge = 10 * time.Minute

// scheduleHousekeeping registers the maintenance jobs. Jobs run on the
// housekeeping lane so two of them never overlap.
func (d *Daemon) scheduleHousekeeping() error {
	d.cron = cron.New()

	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context) error
	}{
		{"memory_sweep", d.config.Housekeeping.MemorySweep, d.sweepMemory},
		{"lane_prune", d.config.Housekeeping.LanePrune, d.pruneIdle},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := d.cron.AddFunc(job.spec, func() { d.runHousekeeping(job.name, job.fn) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, job.name, err)
		}
		d.logger.Debug().Str("job", job.name).Str("schedule", job.spec).Msg("Housekeeping job scheduled")
	}
	return nil
}

func (d *Daemon) runHousekeeping(name string, fn func(ctx context.Context) error) {
	ctx := tracing.NewRequestContext(d.ctx)
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog()).With().Str("job", name).Logger()

	_, err := d.queue.EnqueueWithContext(ctx, commandqueue.LaneHousekeeping, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	}, &commandqueue.Options{Name: name})
	if err != nil {
		logger.Warn().Err(err).Msg("Housekeeping job failed")
	}
}

func (d *Daemon) sweepMemory(ctx context.Context) error {
	if n := d.memory.Sweep(); n > 0 {
		logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
		logger.Info().
			Int("expired", n).
			Int("active", d.memory.Len()).
			Msg("Expired sessions swept")
	}
	return nil
}

func (d *Daemon) pruneIdle(ctx context.Context) error {
	lanes := d.queue.PruneIdle(idleLaneAge)
	limiters := d.gatewayServer.PruneLimiters(idleLaneAge)
	if lanes > 0 || limiters > 0 {
		logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
		logger.Info().
			Int("lanes", lanes).
			Int("rate_limiters", limiters).
			Msg("Idle state pruned")
	}
	return nil
}
