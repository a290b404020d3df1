// Package progress owns the ephemeral per-dispatch progress records kept in
// Redis. Records are TTL-bound snapshots; the durable run row in Postgres
// stays authoritative for lifecycle state.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"render-orchestrator/internal/models"
)

const keyPrefix = "renderq:run:"

// Key builds the structured cache key for one dispatch attempt:
// renderq:run:<runID>:<owner>/<repo>/<jobID>.
func Key(runID, owner, repo string, jobID int64) string {
	return fmt.Sprintf("%s%s:%s/%s/%d", keyPrefix, runID, owner, repo, jobID)
}

// RunPattern matches every dispatch attempt recorded for a run.
func RunPattern(runID string) string {
	return keyPrefix + runID + ":*"
}

// JobPattern matches the record for one external job regardless of run.
func JobPattern(owner, repo string, jobID int64) string {
	return fmt.Sprintf("%s*:%s/%s/%d", keyPrefix, owner, repo, jobID)
}

// ParseKey splits a cache key back into its routing components.
func ParseKey(key string) (runID, owner, repo, jobID string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", "", "", false
	}
	runID, job, found := strings.Cut(rest, ":")
	if !found {
		return "", "", "", "", false
	}
	parts := strings.Split(job, "/")
	if len(parts) != 3 {
		return "", "", "", "", false
	}
	return runID, parts[0], parts[1], parts[2], true
}

// Cache is the Redis-backed progress store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a cache around an existing Redis client.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the record under key. Missing keys and malformed values both
// report absent; a corrupt cache entry is never an error for callers.
func (c *Cache) Get(ctx context.Context, key string) (models.ProgressRecord, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return models.ProgressRecord{}, false, nil
	}
	if err != nil {
		return models.ProgressRecord{}, false, fmt.Errorf("get progress %s: %w", key, err)
	}
	var rec models.ProgressRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return models.ProgressRecord{}, false, nil
	}
	return rec, true, nil
}

// Set writes the record under key, refreshing its TTL.
func (c *Cache) Set(ctx context.Context, key string, rec models.ProgressRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set progress %s: %w", key, err)
	}
	return nil
}

// KeysMatching scans for keys matching the glob pattern.
func (c *Cache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// FindByRun locates the first progress record for a run's internal id,
// returning its full key so callers can recover the agent and job id.
func (c *Cache) FindByRun(ctx context.Context, runID string) (string, models.ProgressRecord, bool, error) {
	keys, err := c.KeysMatching(ctx, RunPattern(runID))
	if err != nil {
		return "", models.ProgressRecord{}, false, err
	}
	for _, key := range keys {
		rec, ok, err := c.Get(ctx, key)
		if err != nil {
			return "", models.ProgressRecord{}, false, err
		}
		if ok {
			return key, rec, true, nil
		}
	}
	if len(keys) > 0 {
		// Key exists but the value is gone or unreadable; still report the
		// key so cancellation can recover routing from it.
		return keys[0], models.ProgressRecord{}, false, nil
	}
	return "", models.ProgressRecord{}, false, nil
}

// FindByJob locates the progress record for one external job id.
func (c *Cache) FindByJob(ctx context.Context, owner, repo string, jobID int64) (models.ProgressRecord, bool, error) {
	keys, err := c.KeysMatching(ctx, JobPattern(owner, repo, jobID))
	if err != nil {
		return models.ProgressRecord{}, false, err
	}
	if len(keys) == 0 {
		return models.ProgressRecord{}, false, nil
	}
	return first(ctx, c, keys)
}

func first(ctx context.Context, c *Cache, keys []string) (models.ProgressRecord, bool, error) {
	for _, key := range keys {
		rec, ok, err := c.Get(ctx, key)
		if err != nil || ok {
			return rec, ok, err
		}
	}
	return models.ProgressRecord{}, false, nil
}
