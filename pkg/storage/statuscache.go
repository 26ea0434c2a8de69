package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/observability/metrics"
)

var ErrCacheMiss = errors.New("status cache miss")

const statusKeyPrefix = "splatforge:job:"

// putScript stores a job version unless the cache already holds the same or
// a newer one, so out-of-order writers can never make progress go backwards.
var putScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'job', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// StatusCache keeps the latest job version in redis for status polling.
// The job store stays authoritative.
type StatusCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewStatusCache(client redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatusCache{client: client, ttl: ttl}
}

func statusKey(jobID string) string {
	return statusKeyPrefix + jobID
}

func (c *StatusCache) Put(ctx context.Context, job *jobs.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	err = putScript.Run(ctx, c.client, []string{statusKey(job.ID)}, job.Version, payload, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("caching job %s: %w", job.ID, err)
	}
	return nil
}

func (c *StatusCache) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	payload, err := c.client.HGet(ctx, statusKey(jobID), "job").Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.StatusCacheLookups.WithLabelValues("miss").Inc()
		return nil, ErrCacheMiss
	case err != nil:
		metrics.StatusCacheLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	var job jobs.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		metrics.StatusCacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decoding cached job %s: %w", jobID, err)
	}
	metrics.StatusCacheLookups.WithLabelValues("hit").Inc()
	return &job, nil
}
