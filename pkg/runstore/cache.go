package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medofficehq/automation/pkg/automation"
	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "automation:progress:"

// ProgressCache keeps the latest snapshot of each execution in redis so any
// replica can answer progress reads.
type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProgressCache(client *redis.Client, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProgressCache{client: client, ttl: ttl}
}

func progressKey(handle automation.ExecutionHandle) string {
	return progressKeyPrefix + string(handle)
}

func (c *ProgressCache) SaveProgress(ctx context.Context, snap automation.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.client.Set(ctx, progressKey(snap.ExecutionID), raw, c.ttl).Err()
}

func (c *ProgressCache) LoadProgress(ctx context.Context, handle automation.ExecutionHandle) (automation.Snapshot, error) {
	raw, err := c.client.Get(ctx, progressKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return automation.Snapshot{}, ErrRunNotFound
	}
	if err != nil {
		return automation.Snapshot{}, fmt.Errorf("load progress of %s: %w", handle, err)
	}
	return decodeSnapshot(raw)
}

func decodeSnapshot(raw []byte) (automation.Snapshot, error) {
	var snap automation.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return automation.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
