package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feishu-matrix/bridge/internal/deadletter"
	"github.com/feishu-matrix/bridge/internal/store"
)

type noopReplayer struct{}

func (noopReplayer) ReplayDeadLetter(ctx context.Context, d store.DeadLetter) error { return nil }

func newTestJanitor(t *testing.T, cfg Config) (*Janitor, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), nil, filepath.Join(t.TempDir(), "janitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	dl := deadletter.NewService(nil, st, noopReplayer{})
	return New(nil, cfg, st, dl), st
}

func TestSweep_PrunesAgedProcessedEvents(t *testing.T) {
	j, st := newTestJanitor(t, Config{ProcessedEventTTL: time.Nanosecond})
	ctx := context.Background()

	_, err := st.RecordProcessedEvent(ctx, store.SourceFeishu, "ev_old")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	j.Sweep(ctx)

	// The key was pruned, so recording it again reports fresh.
	result, err := st.RecordProcessedEvent(ctx, store.SourceFeishu, "ev_old")
	require.NoError(t, err)
	require.Equal(t, store.DedupeFresh, result)
}

func TestSweep_LeavesPendingDeadLetters(t *testing.T) {
	j, st := newTestJanitor(t, Config{DeadLetterRetention: time.Hour})
	ctx := context.Background()

	_, err := st.EnqueueDeadLetter(ctx, store.DeadLetter{
		Direction:   store.DirectionF2M,
		ChatID:      "oc_1",
		PayloadBlob: []byte(`{}`),
	})
	require.NoError(t, err)

	j.Sweep(ctx)

	pending, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{Status: store.DeadLetterPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	j, _ := newTestJanitor(t, Config{Schedule: "not a cron expression"})
	require.Error(t, j.Start())
}

func TestStart_SchedulesAndStops(t *testing.T) {
	j, _ := newTestJanitor(t, Config{})
	require.NoError(t, j.Start())
	j.Stop()
}
