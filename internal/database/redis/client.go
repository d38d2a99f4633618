// Package redis keeps short-lived pool state in Redis: per-miner invalid
// share counters, the current job snapshot and recent work for hashrate
// estimates.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
	// InvalidWindow is how long invalid share counters live.
	InvalidWindow time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns connection limits for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient connects to the server at cfg.URL and pings it.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, InvalidWindow: time.Hour}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func invalidKey(miner string) string { return "invalid:" + miner }

func workKey(miner string) string { return "work:" + miner }

const currentJobKey = "current_job"

// RecordInvalidShare increments the miner's counter for reason. Counters
// expire InvalidWindow after the last rejection.
func (c *Client) RecordInvalidShare(ctx context.Context, miner, worker, reason string) error {
	key := invalidKey(miner)

	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, reason, 1)
	pipe.HIncrBy(ctx, key, "worker:"+worker, 1)
	pipe.Expire(ctx, key, c.InvalidWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record invalid share: %w", err)
	}
	return nil
}

// InvalidShares returns the miner's rejection counts by reason.
func (c *Client) InvalidShares(ctx context.Context, miner string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, invalidKey(miner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read invalid shares: %w", err)
	}

	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		if strings.HasPrefix(field, "worker:") {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

// JobSnapshot describes the job currently handed out to miners.
type JobSnapshot struct {
	JobID             string    `json:"job_id"`
	Identity          string    `json:"identity"`
	Height            int64     `json:"height"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SetCurrentJob stores the current job snapshot.
func (c *Client) SetCurrentJob(ctx context.Context, job *JobSnapshot) error {
	data, err := sonic.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, currentJobKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// GetCurrentJob returns the stored job snapshot, or ErrNotFound.
func (c *Client) GetCurrentJob(ctx context.Context) (*JobSnapshot, error) {
	data, err := c.rdb.Get(ctx, currentJobKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current job: %w", err)
	}

	var job JobSnapshot
	if err := sonic.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}
	return &job, nil
}

// RecordWork adds an accepted share's difficulty to the miner's sliding
// window and trims entries older than window.
func (c *Client) RecordWork(ctx context.Context, miner, shareID string, difficulty float64, at time.Time, window time.Duration) error {
	key := workKey(miner)

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.Unix()),
		Member: workMember(shareID, difficulty),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(at.Add(-window).Unix(), 10))
	pipe.Expire(ctx, key, 2*window)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record work: %w", err)
	}
	return nil
}

// Hashrate estimates the miner's hashrate in H/s from the work recorded
// over the last window.
func (c *Client) Hashrate(ctx context.Context, miner string, window time.Duration) (float64, error) {
	since := time.Now().Add(-window).Unix()
	members, err := c.rdb.ZRangeByScore(ctx, workKey(miner), &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read work: %w", err)
	}

	total := 0.0
	for _, m := range members {
		if d, ok := parseWorkMember(m); ok {
			total += d
		}
	}
	return HashrateFromWork(total, window), nil
}

// HashrateFromWork converts summed share difficulty over window to H/s.
// One difficulty-1 share is 2^32 hashes on average.
func HashrateFromWork(work float64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return work * 4294967296 / window.Seconds()
}

func workMember(shareID string, difficulty float64) string {
	return shareID + "|" + strconv.FormatFloat(difficulty, 'g', -1, 64)
}

func parseWorkMember(m string) (float64, bool) {
	_, diff, ok := strings.Cut(m, "|")
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(diff, 64)
	return d, err == nil
}
