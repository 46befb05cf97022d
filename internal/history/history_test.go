package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	connected := start.Add(2 * time.Second)

	require.NoError(t, store.Add(ctx, Record{
		SessionID:   "sess_1",
		PeerID:      "u_2",
		Direction:   DirectionOutgoing,
		Kind:        "video",
		Outcome:     "local_ended",
		StartedAt:   start,
		ConnectedAt: &connected,
		EndedAt:     start.Add(90 * time.Second),
	}))
	require.NoError(t, store.Add(ctx, Record{
		SessionID: "sess_2",
		PeerID:    "u_3",
		Direction: DirectionIncoming,
		Kind:      "voice",
		Outcome:   "missed",
		StartedAt: start.Add(5 * time.Minute),
		EndedAt:   start.Add(5*time.Minute + 30*time.Second),
	}))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "sess_2", recs[0].SessionID)
	assert.Equal(t, DirectionIncoming, recs[0].Direction)
	assert.Nil(t, recs[0].ConnectedAt)

	assert.Equal(t, "sess_1", recs[1].SessionID)
	assert.NotEmpty(t, recs[1].ID)
	require.NotNil(t, recs[1].ConnectedAt)
	assert.Equal(t, connected.UnixMilli(), recs[1].ConnectedAt.UnixMilli())
}

func TestRecentHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Add(ctx, Record{
			SessionID: "sess",
			PeerID:    "peer",
			Direction: DirectionOutgoing,
			Kind:      "voice",
			Outcome:   "local_ended",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}

	recs, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestAddRejectsEmptySession(t *testing.T) {
	store := openTestStore(t)
	err := store.Add(context.Background(), Record{PeerID: "u_2"})
	require.Error(t, err)
}
