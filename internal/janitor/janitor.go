// Package janitor runs the bridge's periodic housekeeping: pruning aged
// idempotency records and sweeping replayed dead letters, on a cron
// schedule.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/feishu-matrix/bridge/internal/deadletter"
	"github.com/feishu-matrix/bridge/internal/store"
)

const (
	DefaultSchedule            = "@hourly"
	DefaultProcessedEventTTL   = 24 * time.Hour
	DefaultDeadLetterRetention = 7 * 24 * time.Hour
)

type pruner interface {
	PruneProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error)
}

// Config tunes what each sweep removes.
type Config struct {
	Schedule            string
	ProcessedEventTTL   time.Duration
	DeadLetterRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.ProcessedEventTTL <= 0 {
		c.ProcessedEventTTL = DefaultProcessedEventTTL
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = DefaultDeadLetterRetention
	}
	return c
}

// Janitor owns the cron scheduler and the sweep implementations.
type Janitor struct {
	logger      *slog.Logger
	cfg         Config
	store       pruner
	deadLetters *deadletter.Service
	cron        *cron.Cron
}

func New(log *slog.Logger, cfg Config, st pruner, dl *deadletter.Service) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		logger:      log.With(slog.String("component", "janitor")),
		cfg:         cfg.withDefaults(),
		store:       st,
		deadLetters: dl,
	}
}

// Start schedules the sweeps and begins running them. Returns an error only
// if the configured cron expression does not parse.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor scheduled", slog.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	j.Sweep(ctx)
}

// Sweep runs one housekeeping pass; the cron schedule calls it through
// sweep with a one-minute timeout.
func (j *Janitor) Sweep(ctx context.Context) {
	pruned, err := j.store.PruneProcessedEvents(ctx, j.cfg.ProcessedEventTTL)
	if err != nil {
		j.logger.Error("prune processed events failed", slog.Any("error", err))
	} else if pruned > 0 {
		j.logger.Info("processed events pruned", slog.Int64("count", pruned))
	}

	// Only rows an operator has already dispositioned are swept; pending
	// dead letters stay until replayed or abandoned.
	for _, status := range []store.DeadLetterStatus{store.DeadLetterReplayed, store.DeadLetterAbandoned} {
		removed, err := j.deadLetters.Cleanup(ctx, deadletter.CleanupRequest{
			Status:         status,
			OlderThanHours: int(j.cfg.DeadLetterRetention.Hours()),
		})
		if err != nil {
			j.logger.Error("dead letter sweep failed", slog.String("status", string(status)), slog.Any("error", err))
			continue
		}
		if removed > 0 {
			j.logger.Info("dead letters swept", slog.String("status", string(status)), slog.Int64("count", removed))
		}
	}
}
