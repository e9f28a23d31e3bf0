package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/voxel-relay/internal/journal"
	"github.com/cory-johannsen/voxel-relay/internal/storage/postgres"
	"github.com/cory-johannsen/voxel-relay/internal/testutil"
)

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestSessionLog_JoinedThenLeft(t *testing.T) {
	log := postgres.NewSessionLog(testutil.NewSessionLogPool(t))
	ctx := context.Background()

	id := uniqueID("sess")
	joinedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, log.Write(ctx, journal.Event{
		Kind:       journal.KindJoined,
		Instance:   "inst-1",
		SessionID:  id,
		RemoteAddr: "10.0.0.1:5000",
		At:         joinedAt,
	}))

	rec, err := log.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Equal(t, "10.0.0.1:5000", rec.RemoteAddr)
	assert.True(t, joinedAt.Equal(rec.ConnectedAt))
	assert.Nil(t, rec.DisconnectedAt)

	leftAt := joinedAt.Add(90 * time.Second)
	require.NoError(t, log.Write(ctx, journal.Event{Kind: journal.KindLeft, SessionID: id, At: leftAt}))

	rec, err = log.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.DisconnectedAt)
	assert.True(t, leftAt.Equal(*rec.DisconnectedAt))
}

func TestSessionLog_IgnoresOtherKinds(t *testing.T) {
	log := postgres.NewSessionLog(testutil.NewSessionLogPool(t))
	ctx := context.Background()

	id := uniqueID("sess")
	require.NoError(t, log.Write(ctx, journal.Event{Kind: journal.KindMoved, SessionID: id, At: time.Now()}))
	require.NoError(t, log.Write(ctx, journal.Event{Kind: journal.KindBlockUpdate, SessionID: id, At: time.Now()}))

	_, err := log.Get(ctx, id)
	assert.ErrorIs(t, err, postgres.ErrSessionNotFound)
}

func TestSessionLog_LeftWithoutJoinedIsIgnored(t *testing.T) {
	log := postgres.NewSessionLog(testutil.NewSessionLogPool(t))
	ctx := context.Background()

	id := uniqueID("sess")
	assert.NoError(t, log.Write(ctx, journal.Event{Kind: journal.KindLeft, SessionID: id, At: time.Now()}))
	assert.ErrorIs(t, log.Closed(ctx, id, time.Now()), postgres.ErrSessionNotFound)
}

func TestSessionLog_CloseOrphans(t *testing.T) {
	log := postgres.NewSessionLog(testutil.NewSessionLogPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := uniqueID("stale")
	current := uniqueID("current")
	require.NoError(t, log.Opened(ctx, stale, "old-instance", "", now.Add(-time.Hour)))
	require.NoError(t, log.Opened(ctx, current, "new-instance", "", now))

	n, err := log.CloseOrphans(ctx, "new-instance", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := log.Get(ctx, stale)
	require.NoError(t, err)
	require.NotNil(t, rec.DisconnectedAt)

	rec, err = log.Get(ctx, current)
	require.NoError(t, err)
	assert.Nil(t, rec.DisconnectedAt)
}

// Property: every opened session can be closed exactly once.
func TestPropertySessionLog_CloseOnce(t *testing.T) {
	log := postgres.NewSessionLog(testutil.NewSessionLogPool(t))
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		id := uniqueID(rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "prefix"))
		at := time.Now()
		if err := log.Opened(ctx, id, "inst", "", at); err != nil {
			rt.Fatalf("Opened: %v", err)
		}
		if err := log.Opened(ctx, id, "inst", "", at); err != nil {
			rt.Fatalf("repeated Opened: %v", err)
		}
		if err := log.Closed(ctx, id, at); err != nil {
			rt.Fatalf("Closed: %v", err)
		}
		if err := log.Closed(ctx, id, at); err == nil {
			rt.Fatalf("second Closed of %s succeeded", id)
		}
	})
}

func TestPool_Health(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	pc := testutil.NewPostgresContainer(t)
	assert.NoError(t, pc.Pool.Health(context.Background(), 5*time.Second))
	assert.NotNil(t, pc.Pool.DB())
}
