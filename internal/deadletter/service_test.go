package deadletter

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feishu-matrix/bridge/internal/store"
)

type fakeReplayer struct {
	replayed []string
	fail     map[string]error
}

func (f *fakeReplayer) ReplayDeadLetter(ctx context.Context, d store.DeadLetter) error {
	if err, ok := f.fail[d.ID]; ok {
		return err
	}
	f.replayed = append(f.replayed, d.ID)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeReplayer) {
	t.Helper()
	st, err := store.Open(context.Background(), nil, filepath.Join(t.TempDir(), "dl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	replayer := &fakeReplayer{fail: map[string]error{}}
	return NewService(nil, st, replayer), st, replayer
}

func enqueueLetter(t *testing.T, st *store.Store, id string) store.DeadLetter {
	t.Helper()
	d, err := st.EnqueueDeadLetter(context.Background(), store.DeadLetter{
		ID:          id,
		Direction:   store.DirectionM2F,
		ChatID:      "oc_1",
		PayloadBlob: []byte(`{"event_id":"$evt:hs","room_id":"!room:hs","type":"m.room.message"}`),
		LastError:   "boom",
	})
	require.NoError(t, err)
	return d
}

func TestReplay_MarksSuccessfulRowsReplayed(t *testing.T) {
	svc, st, replayer := newTestService(t)
	ctx := context.Background()

	enqueueLetter(t, st, "dl_1")
	enqueueLetter(t, st, "dl_2")

	result, err := svc.Replay(ctx, ReplayRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 2, result.Replayed)
	require.Zero(t, result.Failed)
	require.ElementsMatch(t, []string{"dl_1", "dl_2"}, replayer.replayed)

	pending, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{Status: store.DeadLetterPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplay_FailedDispatchStaysPending(t *testing.T) {
	svc, st, replayer := newTestService(t)
	ctx := context.Background()

	enqueueLetter(t, st, "dl_bad")
	replayer.fail["dl_bad"] = fmt.Errorf("queue full")

	result, err := svc.Replay(ctx, ReplayRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Replayed)

	pending, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{Status: store.DeadLetterPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReplay_ByIDIgnoresStatusFilter(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	d := enqueueLetter(t, st, "dl_one")
	require.NoError(t, st.MarkDeadLetter(ctx, d.ID, store.DeadLetterAbandoned))

	result, err := svc.Replay(ctx, ReplayRequest{ID: d.ID})
	require.NoError(t, err)
	require.Equal(t, 1, result.Replayed)
}

func TestCleanup_DryRunCountsWithoutDeleting(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	enqueueLetter(t, st, "dl_old")

	// The row was stamped just now, so a 1h window matches nothing.
	n, err := svc.Cleanup(ctx, CleanupRequest{OlderThanHours: 1, DryRun: true})
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = svc.Cleanup(ctx, CleanupRequest{})
	require.Error(t, err)

	remaining, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestCounts_GroupsByStatus(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	enqueueLetter(t, st, "dl_a")
	d := enqueueLetter(t, st, "dl_b")
	require.NoError(t, st.MarkDeadLetter(ctx, d.ID, store.DeadLetterAbandoned))

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["pending"])
	require.EqualValues(t, 1, counts["abandoned"])
}
