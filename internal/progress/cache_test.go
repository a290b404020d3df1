package progress

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render-orchestrator/internal/models"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 24*time.Hour), mr
}

func TestKeyRoundTrip(t *testing.T) {
	key := Key("run-1", "phizone", "agent", 42)
	assert.Equal(t, "renderq:run:run-1:phizone/agent/42", key)

	runID, owner, repo, jobID, ok := ParseKey(key)
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "phizone", owner)
	assert.Equal(t, "agent", repo)
	assert.Equal(t, "42", jobID)

	_, _, _, _, ok = ParseKey("other:key")
	assert.False(t, ok)
	_, _, _, _, ok = ParseKey("renderq:run:missing-job-part")
	assert.False(t, ok)
}

func TestSetGet(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()
	key := Key("run-1", "o", "r", 7)

	_, found, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	eta := 30.0
	rec := models.ProgressRecord{Status: models.StatusInProgress, Progress: 0.4, ETA: &eta, Target: "qq/Thunderstorm"}
	require.NoError(t, cache.Set(ctx, key, rec))

	got, found, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	ttl := mr.TTL(key)
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestGetMalformedValue(t *testing.T) {
	cache, mr := newCache(t)
	key := Key("run-1", "o", "r", 7)
	mr.Set(key, "{not json")

	_, found, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindByRun(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	_, _, found, err := cache.FindByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, found)

	rec := models.ProgressRecord{Status: models.StatusInProgress, Progress: 0.1, Target: "qq/Gale"}
	require.NoError(t, cache.Set(ctx, Key("run-1", "o", "r", 7), rec))
	require.NoError(t, cache.Set(ctx, Key("run-2", "o", "r", 8), rec))

	key, got, found, err := cache.FindByRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Key("run-1", "o", "r", 7), key)
	assert.Equal(t, rec, got)
}

func TestFindByJob(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	eta := 12.5
	rec := models.ProgressRecord{Status: models.StatusInProgress, Progress: 0.8, ETA: &eta, Target: "qq/Gale"}
	require.NoError(t, cache.Set(ctx, Key("run-9", "phizone", "agent", 42), rec))

	got, found, err := cache.FindByJob(ctx, "phizone", "agent", 42)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.ETA)
	assert.Equal(t, 12.5, *got.ETA)

	_, found, err = cache.FindByJob(ctx, "phizone", "agent", 99)
	require.NoError(t, err)
	assert.False(t, found)
}
