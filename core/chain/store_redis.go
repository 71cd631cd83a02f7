package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haywire-io/haywire/core/infra/redisutil"
)

const defaultChainRedisURL = "redis://localhost:6379"

// RedisStore persists chains and their steps in Redis. Chains are JSON blobs
// under prefixed keys with ZSET indexes by recency, status, and resume time;
// each chain's steps live in a ZSET scored by order.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed chain store from a URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultChainRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, sharing its pool.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CreateChain persists a chain and all of its steps in a single transaction.
// A chain without its steps is never observable.
func (s *RedisStore) CreateChain(ctx context.Context, c *Chain, steps []*Step) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("chain id required")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, chainKey(c.ID), payload, 0)
	pipe.ZAdd(ctx, chainAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: c.ID})
	pipe.ZAdd(ctx, chainStatusIndexKey(c.Status), redis.Z{Score: float64(now.Unix()), Member: c.ID})
	for _, step := range steps {
		if step == nil || step.ID == "" {
			return fmt.Errorf("step id required")
		}
		step.ChainID = c.ID
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		pipe.Set(ctx, stepKey(c.ID, step.ID), data, 0)
		pipe.ZAdd(ctx, stepsIndexKey(c.ID), redis.Z{Score: float64(step.Order), Member: step.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetChain returns a chain by ID.
func (s *RedisStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	if id == "" {
		return nil, fmt.Errorf("chain id required")
	}
	data, err := s.client.Get(ctx, chainKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	return &c, nil
}

// UpdateChain overwrites a chain document and maintains the status and resume
// indexes.
func (s *RedisStore) UpdateChain(ctx context.Context, c *Chain) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("chain id required")
	}
	prevStatus := Status("")
	if data, err := s.client.Get(ctx, chainKey(c.ID)).Bytes(); err == nil {
		var prev Chain
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}
	now := time.Now().UTC()
	c.UpdatedAt = now

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, chainKey(c.ID), payload, 0)
	pipe.ZAdd(ctx, chainAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: c.ID})
	pipe.ZAdd(ctx, chainStatusIndexKey(c.Status), redis.Z{Score: float64(now.Unix()), Member: c.ID})
	if prevStatus != "" && prevStatus != c.Status {
		pipe.ZRem(ctx, chainStatusIndexKey(prevStatus), c.ID)
	}
	if c.ResumeAt != nil {
		pipe.ZAdd(ctx, resumeIndexKey(), redis.Z{Score: float64(c.ResumeAt.Unix()), Member: c.ID})
	} else {
		pipe.ZRem(ctx, resumeIndexKey(), c.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteChain removes a chain, its indexes, and any remaining steps.
func (s *RedisStore) DeleteChain(ctx context.Context, id string) error {
	c, err := s.GetChain(ctx, id)
	if err != nil {
		return err
	}
	stepIDs, err := s.client.ZRange(ctx, stepsIndexKey(id), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, chainKey(id))
	pipe.ZRem(ctx, chainAllIndexKey(), id)
	pipe.ZRem(ctx, chainStatusIndexKey(c.Status), id)
	pipe.ZRem(ctx, resumeIndexKey(), id)
	for _, stepID := range stepIDs {
		pipe.Del(ctx, stepKey(id, stepID))
	}
	pipe.Del(ctx, stepsIndexKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// HeadStep returns the remaining step with the smallest order, or nil when
// the chain has no steps left.
func (s *RedisStore) HeadStep(ctx context.Context, chainID string) (*Step, error) {
	ids, err := s.client.ZRange(ctx, stepsIndexKey(chainID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.GetStep(ctx, chainID, ids[0])
}

// GetStep returns one step of a chain.
func (s *RedisStore) GetStep(ctx context.Context, chainID, stepID string) (*Step, error) {
	if chainID == "" || stepID == "" {
		return nil, fmt.Errorf("chain id and step id required")
	}
	data, err := s.client.Get(ctx, stepKey(chainID, stepID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if err != nil {
		return nil, err
	}
	var step Step
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	return &step, nil
}

// StepExists reports whether a step is still present in the chain's order
// index. Cheaper than GetStep when only presence matters.
func (s *RedisStore) StepExists(ctx context.Context, chainID, stepID string) (bool, error) {
	err := s.client.ZScore(ctx, stepsIndexKey(chainID), stepID).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveStep upserts a step and its order index entry.
func (s *RedisStore) SaveStep(ctx context.Context, step *Step) error {
	if step == nil || step.ID == "" || step.ChainID == "" {
		return fmt.Errorf("step id and chain id required")
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stepKey(step.ChainID, step.ID), data, 0)
	pipe.ZAdd(ctx, stepsIndexKey(step.ChainID), redis.Z{Score: float64(step.Order), Member: step.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteStep removes one step and its index entry.
func (s *RedisStore) DeleteStep(ctx context.Context, chainID, stepID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stepKey(chainID, stepID))
	pipe.ZRem(ctx, stepsIndexKey(chainID), stepID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteAllSteps removes every remaining step of a chain.
func (s *RedisStore) DeleteAllSteps(ctx context.Context, chainID string) error {
	stepIDs, err := s.client.ZRange(ctx, stepsIndexKey(chainID), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, stepID := range stepIDs {
		pipe.Del(ctx, stepKey(chainID, stepID))
	}
	pipe.Del(ctx, stepsIndexKey(chainID))
	_, err = pipe.Exec(ctx)
	return err
}

// CountSteps returns the number of remaining steps for a chain.
func (s *RedisStore) CountSteps(ctx context.Context, chainID string) (int64, error) {
	return s.client.ZCard(ctx, stepsIndexKey(chainID)).Result()
}

// MaxOrder returns the highest order among remaining steps. The second return
// is false when the chain has no steps.
func (s *RedisStore) MaxOrder(ctx context.Context, chainID string) (int64, bool, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, stepsIndexKey(chainID), 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return int64(entries[0].Score), true, nil
}

// ListResumable returns IDs of paused chains whose resume time has elapsed.
func (s *RedisStore) ListResumable(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.client.ZRangeByScore(ctx, resumeIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
}

// ListPrunable returns IDs of terminal chains whose last transition happened
// before the cutoff.
func (s *RedisStore) ListPrunable(ctx context.Context, olderThan time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	max := strconv.FormatInt(olderThan.Unix(), 10)
	out := []string{}
	for _, status := range []Status{StatusFinished, StatusFailed} {
		ids, err := s.client.ZRangeByScore(ctx, chainStatusIndexKey(status), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   max,
			Count: limit,
		}).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// ListChainIDsByStatus returns recent chain IDs filtered by status.
func (s *RedisStore) ListChainIDsByStatus(ctx context.Context, status Status, limit int64) ([]string, error) {
	if status == "" {
		return nil, fmt.Errorf("status required")
	}
	if limit <= 0 {
		limit = 200
	}
	return s.client.ZRevRange(ctx, chainStatusIndexKey(status), 0, limit-1).Result()
}

func chainKey(id string) string {
	return "hay:chain:" + id
}

func chainAllIndexKey() string {
	return "hay:chains:all"
}

func chainStatusIndexKey(status Status) string {
	return "hay:chains:status:" + string(status)
}

func resumeIndexKey() string {
	return "hay:chains:resume"
}

func stepsIndexKey(chainID string) string {
	return "hay:chain:" + chainID + ":steps"
}

func stepKey(chainID, stepID string) string {
	return "hay:step:" + chainID + ":" + stepID
}
