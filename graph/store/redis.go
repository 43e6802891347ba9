package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis.
//
// Layout, with every key under a configurable prefix:
//
//	<prefix>:cp:<instanceID>    hash {data, status, claimed_at}
//	<prefix>:token:<token>      string instanceID
//	<prefix>:outcome:<token>    string JSON outcome
//	<prefix>:step:<instanceID>  string JSON latest step
//	<prefix>:expiry             sorted set instanceID scored by expiry (ms)
//
// Claims run as a Lua script so the suspended->resuming transition is atomic
// on the server.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

var claimScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then return 0 end
local key = ARGV[1] .. id
local status = redis.call('HGET', key, 'status')
if not status then return 0 end
if status ~= ARGV[2] then
  local claimed = tonumber(redis.call('HGET', key, 'claimed_at') or '0') or 0
  if status ~= ARGV[3] or claimed >= tonumber(ARGV[5]) then return 2 end
end
redis.call('HSET', key, 'status', ARGV[3], 'claimed_at', ARGV[4])
return 1
`)

// NewRedisStore wraps an existing client. prefix defaults to "leadgraph".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "leadgraph"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep implements Store. Only the latest step is retained.
func (r *RedisStore) SaveStep(ctx context.Context, instanceID string, step int, nodeID string, state map[string]interface{}) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(StepRecord{
		InstanceID: instanceID,
		Step:       step,
		NodeID:     nodeID,
		State:      state,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	if err := r.client.Set(ctx, r.key("step", instanceID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (r *RedisStore) LoadLatest(ctx context.Context, instanceID string) (StepRecord, error) {
	if err := r.checkOpen(); err != nil {
		return StepRecord{}, err
	}
	data, err := r.client.Get(ctx, r.key("step", instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StepRecord{}, ErrNotFound
	}
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to load latest step: %w", err)
	}
	var rec StepRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return StepRecord{}, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return rec, nil
}

// SaveCheckpoint implements Store.
func (r *RedisStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if cp.Status == "" {
		cp.Status = StatusSuspended
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	cpKey := r.key("cp", cp.InstanceID)
	prevData, err := r.client.HGet(ctx, cpKey, "data").Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read previous checkpoint: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(prevData) > 0 {
			var prev Checkpoint
			if json.Unmarshal(prevData, &prev) == nil && prev.Token != cp.Token {
				pipe.Del(ctx, r.key("token", prev.Token))
			}
		}
		pipe.HSet(ctx, cpKey, "data", data, "status", cp.Status, "claimed_at", toMillis(cp.ClaimedAt))
		pipe.Set(ctx, r.key("token", cp.Token), cp.InstanceID, 0)
		if exp := cp.ExpiresAt(); !exp.IsZero() {
			pipe.ZAdd(ctx, r.key("expiry"), redis.Z{Score: float64(exp.UnixMilli()), Member: cp.InstanceID})
		} else {
			pipe.ZRem(ctx, r.key("expiry"), cp.InstanceID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (r *RedisStore) loadByInstance(ctx context.Context, instanceID string) (Checkpoint, error) {
	fields, err := r.client.HGetAll(ctx, r.key("cp", instanceID)).Result()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(fields["data"]), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	cp.Status = fields["status"]
	if ms, err := strconv.ParseInt(fields["claimed_at"], 10, 64); err == nil {
		cp.ClaimedAt = fromMillis(ms)
	}
	return cp, nil
}

func (r *RedisStore) instanceFor(ctx context.Context, token string) (string, error) {
	id, err := r.client.Get(ctx, r.key("token", token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	return id, nil
}

// LoadCheckpoint implements Store.
func (r *RedisStore) LoadCheckpoint(ctx context.Context, token string) (Checkpoint, error) {
	if err := r.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	id, err := r.instanceFor(ctx, token)
	if err != nil {
		return Checkpoint{}, err
	}
	return r.loadByInstance(ctx, id)
}

// ClaimCheckpoint implements Store.
func (r *RedisStore) ClaimCheckpoint(ctx context.Context, token string, now, staleBefore time.Time) (Checkpoint, error) {
	if err := r.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.key("token", token)},
		r.key("cp")+":", StatusSuspended, StatusResuming, toMillis(now), toMillis(staleBefore),
	).Int()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to claim checkpoint: %w", err)
	}
	switch res {
	case 0:
		return Checkpoint{}, ErrNotFound
	case 2:
		return Checkpoint{}, ErrClaimed
	}
	return r.LoadCheckpoint(ctx, token)
}

// ReleaseCheckpoint implements Store.
func (r *RedisStore) ReleaseCheckpoint(ctx context.Context, token string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	id, err := r.instanceFor(ctx, token)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key("cp", id), "status", StatusSuspended, "claimed_at", 0).Err(); err != nil {
		return fmt.Errorf("failed to release checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoint implements Store.
func (r *RedisStore) DeleteCheckpoint(ctx context.Context, instanceID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	cp, err := r.loadByInstance(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("cp", instanceID), r.key("token", cp.Token))
		pipe.ZRem(ctx, r.key("expiry"), instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// SaveOutcome implements Store.
func (r *RedisStore) SaveOutcome(ctx context.Context, o Outcome) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := r.client.Set(ctx, r.key("outcome", o.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// LoadOutcome implements Store.
func (r *RedisStore) LoadOutcome(ctx context.Context, token string) (Outcome, error) {
	if err := r.checkOpen(); err != nil {
		return Outcome{}, err
	}
	data, err := r.client.Get(ctx, r.key("outcome", token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, ErrNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load outcome: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return Outcome{}, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return o, nil
}

// ExpiredCheckpoints implements Store.
func (r *RedisStore) ExpiredCheckpoints(ctx context.Context, now, staleBefore time.Time, limit int) ([]Checkpoint, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, r.key("expiry"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired checkpoints: %w", err)
	}

	var expired []Checkpoint
	for _, id := range ids {
		cp, err := r.loadByInstance(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cp.Claimable(staleBefore) {
			expired = append(expired, cp)
		}
	}
	return expired, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
