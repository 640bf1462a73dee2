package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis instance shared by all components.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOptions holds connection settings for NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "quagmire:"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	slog.Info("Redis state store initialized",
		"addr", opts.Addr,
		"key_prefix", prefix,
	)

	return &RedisStore{client: client, prefix: prefix, timeout: timeout}, nil
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) blockKey(ip string) string  { return s.prefix + keyBlock + ip }
func (s *RedisStore) tarpitKey(ip string) string { return s.prefix + keyTarpit + ip }
func (s *RedisStore) freqKey(ip string) string   { return s.prefix + keyFreq + ip }
func (s *RedisStore) hopsKey(ip string) string   { return s.prefix + keyHops + ip }

// CheckBlock reports whether ip is currently blocked.
func (s *RedisStore) CheckBlock(ctx context.Context, ip string) (*BlockRecord, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.blockKey(ip)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blocklist read: %w", err)
	}

	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt value still means the key exists; treat as blocked.
		slog.Error("corrupt block record", "ip", ip, "error", err)
		return &BlockRecord{IP: ip, Reason: "unparseable record"}, true, nil
	}
	return &rec, true, nil
}

// PutBlock writes a block record, never shortening an existing block.
func (s *RedisStore) PutBlock(ctx context.Context, rec BlockRecord, ttl time.Duration) (time.Duration, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	key := s.blockKey(rec.IP)
	effective := ttl
	remaining, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("blocklist ttl: %w", err)
	}
	if remaining > effective {
		effective = remaining
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.ExpiresAt = time.Now().UTC().Add(effective)

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshaling block record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, effective).Err(); err != nil {
		return 0, fmt.Errorf("blocklist write: %w", err)
	}
	return effective, nil
}

// RemoveBlock deletes a block record.
func (s *RedisStore) RemoveBlock(ctx context.Context, ip string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Del(ctx, s.blockKey(ip)).Err(); err != nil {
		return fmt.Errorf("blocklist delete: %w", err)
	}
	return nil
}

// ListBlocks scans the blocklist key space and returns live records.
func (s *RedisStore) ListBlocks(ctx context.Context) ([]BlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()

	var records []BlockRecord
	iter := s.client.Scan(ctx, 0, s.prefix+keyBlock+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var rec BlockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return records, fmt.Errorf("blocklist scan: %w", err)
	}
	return records, nil
}

// MarkTarpit flags ip as inside the tarpit.
func (s *RedisStore) MarkTarpit(ctx context.Context, ip string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Set(ctx, s.tarpitKey(ip), "1", ttl).Err(); err != nil {
		return fmt.Errorf("tarpit flag write: %w", err)
	}
	return nil
}

// InTarpit reports whether ip carries a live tarpit flag.
func (s *RedisStore) InTarpit(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, s.tarpitKey(ip)).Result()
	if err != nil {
		return false, fmt.Errorf("tarpit flag read: %w", err)
	}
	return n > 0, nil
}

// RecordRequest updates ip's sliding window in a single pipeline: stale
// members are trimmed, the new instant is added, and the two most recent
// members are read back to compute the gap. Count excludes the request
// being recorded.
func (s *RedisStore) RecordRequest(ctx context.Context, ip string, at time.Time, window time.Duration) (Frequency, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	key := s.freqKey(ip)
	now := float64(at.UnixNano()) / float64(time.Second)
	cutoff := now - window.Seconds()
	member := fmt.Sprintf("%.9f:%s", now, uuid.NewString())

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: member})
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%f", cutoff), "+inf")
	lastCmd := pipe.ZRangeWithScores(ctx, key, -2, -1)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Frequency{}, fmt.Errorf("frequency pipeline: %w", err)
	}

	freq := Frequency{Count: countCmd.Val() - 1}
	if freq.Count < 0 {
		freq.Count = 0
	}
	if last := lastCmd.Val(); len(last) == 2 {
		gap := now - last[0].Score
		if gap < 0 {
			gap = 0
		}
		freq.SincePrevious = time.Duration(gap * float64(time.Second))
		freq.HasPrevious = true
	}
	return freq, nil
}

// IncrHops increments ip's hop counter, arming the window on first hop.
func (s *RedisStore) IncrHops(ctx context.Context, ip string, window time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	key := s.hopsKey(ip)
	pipe := s.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("hop pipeline: %w", err)
	}
	return incrCmd.Val(), nil
}

// Hops returns ip's current hop count.
func (s *RedisStore) Hops(ctx context.Context, ip string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, s.hopsKey(ip)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hop read: %w", err)
	}
	return v, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
