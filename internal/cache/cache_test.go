package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine until Close; tests close every store.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

var t0 = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

func TestEntry_Fresh(t *testing.T) {
	e := Entry[int]{FetchedAt: t0, TTL: 300 * time.Second}

	assert.True(t, e.Fresh(t0))
	assert.True(t, e.Fresh(t0.Add(299*time.Second)))
	assert.False(t, e.Fresh(t0.Add(300*time.Second)))
	assert.False(t, e.Fresh(t0.Add(301*time.Second)))
	assert.Equal(t, 301*time.Second, e.Age(t0.Add(301*time.Second)))
}

func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[[]models.ReferenceSite]()
	val := []models.ReferenceSite{{ID: "1", Name: "GRB", Lat: 29.75, Lng: -95.36}}

	require.NoError(t, c.Set(ctx, "shelters", Entry[[]models.ReferenceSite]{Value: val, FetchedAt: t0, TTL: time.Minute}))

	got, ok, err := c.Get(ctx, "shelters")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val, got.Value)
	assert.Equal(t, t0, got.FetchedAt)
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache[int]()

	_, ok, err := c.Get(context.Background(), "nonexistent")

	require.NoError(t, err)
	assert.False(t, ok)
}

// Entries past their TTL stay readable so the service can fall back to them.
func TestInMemoryCache_KeepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[int]()
	require.NoError(t, c.Set(ctx, "k", Entry[int]{Value: 1, FetchedAt: t0.Add(-time.Hour), TTL: time.Second}))

	got, ok, err := c.Get(ctx, "k")

	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Fresh(t0))
	assert.Equal(t, 1, got.Value)
}

func TestInMemoryCache_BoundedEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewBoundedInMemoryCache[int](2)
	require.NoError(t, c.Set(ctx, "a", Entry[int]{Value: 1, FetchedAt: t0}))
	require.NoError(t, c.Set(ctx, "b", Entry[int]{Value: 2, FetchedAt: t0.Add(time.Second)}))
	require.NoError(t, c.Set(ctx, "a", Entry[int]{Value: 3, FetchedAt: t0.Add(2 * time.Second)}))
	require.NoError(t, c.Set(ctx, "c", Entry[int]{Value: 4, FetchedAt: t0.Add(3 * time.Second)}))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b was oldest and should be evicted")
	got, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 3, got.Value)
}

func TestSQLiteCache_RoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "refdata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewSQLiteCache[[]models.Incident](store)
	_, ok, err := c.Get(ctx, "incidents")
	require.NoError(t, err)
	assert.False(t, ok)

	first := Entry[[]models.Incident]{Value: []models.Incident{{ID: "a", Category: "Flooding", Lat: 29.7, Lng: -95.4}}, FetchedAt: t0, TTL: 2 * time.Minute, Dropped: 3}
	require.NoError(t, c.Set(ctx, "incidents", first))
	second := Entry[[]models.Incident]{Value: []models.Incident{{ID: "b", Category: "311", Lat: 29.8, Lng: -95.5}}, FetchedAt: t0.Add(time.Minute), TTL: 2 * time.Minute}
	require.NoError(t, c.Set(ctx, "incidents", second))

	got, ok, err := c.Get(ctx, "incidents")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Value, got.Value)
	assert.True(t, second.FetchedAt.Equal(got.FetchedAt))
	assert.Equal(t, second.TTL, got.TTL)
	assert.Zero(t, got.Dropped)
	assert.NoError(t, store.Ping())
}

// A second store on the same file sees the snapshot written by the first, as after a restart.
func TestSQLiteCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "refdata.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, NewSQLiteCache[string](store).Set(ctx, "k", Entry[string]{Value: "v", FetchedAt: t0, TTL: time.Minute}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, ok, err := NewSQLiteCache[string](reopened).Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got.Value)
}
