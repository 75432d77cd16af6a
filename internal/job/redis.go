package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	scanCount        = 500
	maxUpdateRetries = 5
	sweepLockTTL     = 2 * time.Minute
)

// RedisStore keeps each record as a JSON string under
// "<namespace>:<user_id>:<id>" with a TTL ending at the record's expiry.
type RedisStore struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	opts   Options
	log    zerolog.Logger
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string, opts Options, log zerolog.Logger) (*RedisStore, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts Options, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "redis-store").Logger(),
	}
}

func (s *RedisStore) key(userID, id string) string {
	return Key(s.opts.Namespace, userID, id)
}

func (s *RedisStore) Create(ctx context.Context, r *Record) error {
	ttl := r.ExpiresAt(s.opts.Retention).Sub(s.opts.Now())
	if ttl <= 0 {
		return fmt.Errorf("create job %s: started_at is outside the retention window", r.ID)
	}

	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("create job %s: %w", r.ID, err)
	}

	err = s.client.SetArgs(ctx, s.key(r.UserID, r.ID), data, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("create job %s: %w", r.ID, ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("create job %s: %w", r.ID, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, r *Record) error {
	key := s.key(r.UserID, r.ID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		cur, err := Unmarshal(data)
		if err != nil {
			return err
		}
		if cur.Expired(s.opts.Now(), s.opts.Retention) {
			return ErrNotFound
		}

		changed, err := cur.Transition(r)
		if err != nil || !changed {
			return err
		}

		out, err := cur.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// XX + KEEPTTL: never resurrect a deleted key, never extend its life.
			pipe.SetArgs(ctx, key, out, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update job %s: %w", r.ID, err)
		}
		return nil
	}
	return fmt.Errorf("update job %s: concurrent modification after %d attempts", r.ID, maxUpdateRetries)
}

func (s *RedisStore) Get(ctx context.Context, userID, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(userID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	r, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if r.Expired(s.opts.Now(), s.opts.Retention) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// ListForUser sorts on the raw stored bytes. started_at is the first field of
// the encoding, so byte order is creation order.
func (s *RedisStore) ListForUser(ctx context.Context, userID string) ([]*Record, error) {
	var raw [][]byte
	err := s.scan(ctx, s.key(escapeGlob(userID), "*"), func(_ []string, values [][]byte) error {
		raw = append(raw, values...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", userID, err)
	}

	sort.Slice(raw, func(i, j int) bool { return bytes.Compare(raw[i], raw[j]) < 0 })

	now := s.opts.Now()
	records := make([]*Record, 0, len(raw))
	for _, data := range raw {
		r, err := Unmarshal(data)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("skipping undecodable record")
			continue
		}
		if r.UserID != userID || r.Expired(now, s.opts.Retention) {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *RedisStore) ListPending(ctx context.Context, worker string) ([]*Record, error) {
	now := s.opts.Now()
	var pending []*Record
	err := s.scan(ctx, s.opts.Namespace+":*", func(keys []string, values [][]byte) error {
		for i, data := range values {
			r, err := Unmarshal(data)
			if err != nil {
				s.log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable record")
				continue
			}
			if r.Status == StatusPending && r.Worker == worker && !r.Expired(now, s.opts.Retention) {
				pending = append(pending, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return pending, nil
}

// SweepExpired removes records past their window. Redis TTLs normally get
// there first; this catches keys whose TTL was lost (PERSIST, restores). Only
// one process sweeps at a time.
func (s *RedisStore) SweepExpired(ctx context.Context) (int64, error) {
	mutex := s.rs.NewMutex(s.opts.Namespace+".sweep-lock",
		redsync.WithExpiry(sweepLockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		s.log.Debug().Err(err).Msg("sweep lock not acquired, skipping")
		return 0, nil
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Msg("failed to release sweep lock")
		}
	}()

	now := s.opts.Now()
	var deleted int64
	err := s.scan(ctx, s.opts.Namespace+":*", func(keys []string, values [][]byte) error {
		var expired []string
		for i, data := range values {
			r, err := Unmarshal(data)
			if err != nil {
				s.log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable record")
				continue
			}
			if r.Expired(now, s.opts.Retention) {
				expired = append(expired, keys[i])
			}
		}
		if len(expired) == 0 {
			return nil
		}
		n, err := s.client.Unlink(ctx, expired...).Result()
		if err != nil {
			return fmt.Errorf("unlink expired: %w", err)
		}
		deleted += n
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("sweep expired jobs: %w", err)
	}
	return deleted, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scan walks keys matching pattern and hands fn each batch of keys that still
// had a value when fetched.
func (s *RedisStore) scan(ctx context.Context, pattern string, fn func(keys []string, values [][]byte) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}

		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("mget: %w", err)
			}
			liveKeys := make([]string, 0, len(keys))
			values := make([][]byte, 0, len(keys))
			for i, v := range vals {
				str, ok := v.(string)
				if !ok {
					// expired or deleted between SCAN and MGET
					continue
				}
				liveKeys = append(liveKeys, keys[i])
				values = append(values, []byte(str))
			}
			if err := fn(liveKeys, values); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
