// Package deadletter replays permanently-failed work items through the
// Bridging Engine and sweeps aged rows out of the dead-letter table.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/feishu-matrix/bridge/internal/store"
)

// Replayer re-dispatches one dead letter; implemented by *bridge.Engine.
type Replayer interface {
	ReplayDeadLetter(ctx context.Context, d store.DeadLetter) error
}

type deadLetterStore interface {
	ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]store.DeadLetter, error)
	MarkDeadLetter(ctx context.Context, id string, status store.DeadLetterStatus) error
	CleanupDeadLetters(ctx context.Context, filter store.DeadLetterFilter, dryRun bool) (int64, error)
	CountDeadLetters(ctx context.Context) (map[store.DeadLetterStatus]int64, error)
}

// Service coordinates the store and the engine for replay and cleanup.
type Service struct {
	logger   *slog.Logger
	store    deadLetterStore
	replayer Replayer
}

func NewService(log *slog.Logger, st deadLetterStore, replayer Replayer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:   log.With(slog.String("service", "deadletter")),
		store:    st,
		replayer: replayer,
	}
}

// ReplayRequest narrows which dead letters to replay. ID takes precedence
// over Status; Limit bounds one invocation.
type ReplayRequest struct {
	Status store.DeadLetterStatus
	ID     string
	Limit  int
}

// ReplayResult reports what one replay invocation did.
type ReplayResult struct {
	Matched  int `json:"matched"`
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replay re-enqueues matching dead letters and marks each successfully
// re-dispatched row as replayed. A row whose re-dispatch fails keeps its
// pending status and stays visible for the next attempt.
func (s *Service) Replay(ctx context.Context, req ReplayRequest) (ReplayResult, error) {
	filter := store.DeadLetterFilter{ID: req.ID, Limit: req.Limit}
	if req.ID == "" {
		filter.Status = req.Status
		if filter.Status == "" {
			filter.Status = store.DeadLetterPending
		}
	}

	letters, err := s.store.ListDeadLetters(ctx, filter)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("deadletter: list: %w", err)
	}

	result := ReplayResult{Matched: len(letters)}
	for _, d := range letters {
		if err := s.replayer.ReplayDeadLetter(ctx, d); err != nil {
			s.logger.Warn("replay failed",
				slog.String("id", d.ID),
				slog.String("chat_id", d.ChatID),
				slog.Any("error", err))
			result.Failed++
			continue
		}
		if err := s.store.MarkDeadLetter(ctx, d.ID, store.DeadLetterReplayed); err != nil {
			s.logger.Error("mark replayed failed", slog.String("id", d.ID), slog.Any("error", err))
			result.Failed++
			continue
		}
		result.Replayed++
	}
	return result, nil
}

// CleanupRequest describes one sweep of aged dead letters.
type CleanupRequest struct {
	Status         store.DeadLetterStatus
	OlderThanHours int
	Limit          int
	DryRun         bool
}

// Cleanup deletes (or, when DryRun, counts) rows whose last failure is
// older than the requested window.
func (s *Service) Cleanup(ctx context.Context, req CleanupRequest) (int64, error) {
	if req.OlderThanHours <= 0 {
		return 0, fmt.Errorf("deadletter: older_than_hours must be positive")
	}
	cutoff := time.Now().UTC().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	n, err := s.store.CleanupDeadLetters(ctx, store.DeadLetterFilter{
		Status:    req.Status,
		OlderThan: cutoff,
		Limit:     req.Limit,
	}, req.DryRun)
	if err != nil {
		return 0, fmt.Errorf("deadletter: cleanup: %w", err)
	}
	if !req.DryRun && n > 0 {
		s.logger.Info("dead letters removed", slog.Int64("count", n))
	}
	return n, nil
}

// Counts returns per-status totals for the admin status endpoint.
func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	raw, err := s.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(raw))
	for status, n := range raw {
		counts[string(status)] = n
	}
	return counts, nil
}
