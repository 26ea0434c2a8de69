package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStatusCacheKeepsNewestVersion(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	cache := NewStatusCache(client, time.Minute)

	id := jobs.NewID()
	t.Cleanup(func() { client.Del(ctx, statusKey(id)) })

	newer := &jobs.Job{ID: id, Status: jobs.StatusTraining, Progress: 0.4, Preset: models.PresetFast, Version: 5}
	older := &jobs.Job{ID: id, Status: jobs.StatusExtractingFrames, Progress: 0.1, Preset: models.PresetFast, Version: 3}
	require.NoError(t, cache.Put(ctx, newer))
	require.NoError(t, cache.Put(ctx, older))

	got, err := cache.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Version)
	require.Equal(t, jobs.StatusTraining, got.Status)
	require.Equal(t, 0.4, got.Progress)

	ttl, err := client.PTTL(ctx, statusKey(id)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestStatusCacheMiss(t *testing.T) {
	client := testRedis(t)
	_, err := NewStatusCache(client, time.Minute).Get(context.Background(), jobs.NewID())
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/data")
	require.Equal(t, "/data/uploads/abc.mp4", l.UploadPath("abc", ".MP4"))
	require.Equal(t, "/data/frames/abc", l.FramesDir("abc"))
	require.Equal(t, "/data/frames/scene_abc", l.SceneDir("abc"))
	require.Equal(t, "/data/models/abc", l.RawModelDir("abc"))
	require.Equal(t, "/data/models/abc.ply", l.ModelFile("abc"))
	require.Equal(t, "/data/models/abc.ply.gz", l.CompressedModelFile("abc"))
	require.Equal(t, "/data/logs/abc/train.log", l.StageLog("abc", "train"))
	require.Equal(t, "splatforge:job:abc", statusKey("abc"))
}
