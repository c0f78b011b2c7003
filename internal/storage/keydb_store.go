package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const scanBatchSize = 200

type keydbKV struct {
	client *redis.Client
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// NewKeyDBKV initializes a KV backed by KeyDB (or any Redis-compatible server).
func NewKeyDBKV(cfg Config) (KV, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbKV{client: client}, nil
}

func (s *keydbKV) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *keydbKV) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *keydbKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, key, fields).Err()
}

func (s *keydbKV) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *keydbKV) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *keydbKV) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *keydbKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *keydbKV) Persist(ctx context.Context, key string) error {
	return s.client.Persist(ctx, key).Err()
}

func (s *keydbKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *keydbKV) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", &NotFoundError{Resource: "key", Key: key}
	}
	return val, translateErr(err)
}

func (s *keydbKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	return vals, nil
}

func (s *keydbKV) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", &NotFoundError{Resource: "field", Key: key + "/" + field}
	}
	return val, translateErr(err)
}

func (s *keydbKV) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, translateErr(err)
	}
	return ok, nil
}

func (s *keydbKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	return vals, nil
}

func (s *keydbKV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, translateErr(err)
	}
	slices.Sort(members)
	return members, nil
}

func (s *keydbKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, translateErr(err)
	}
	switch ttl {
	case -2:
		return 0, &NotFoundError{Resource: "key", Key: key}
	case -1:
		return 0, nil
	}
	return ttl, nil
}

func (s *keydbKV) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, translateErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (s *keydbKV) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", translateErr(err)
	}
	if len(vals) != 2 {
		return "", fmt.Errorf("blpop %s: unexpected reply length %d", key, len(vals))
	}
	return vals[1], nil
}

// Atomic wraps the batch in MULTI/EXEC.
func (s *keydbKV) Atomic(ctx context.Context, fn func(w Writer) error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&keydbBatch{pipe: pipe})
	})
	return translateErr(err)
}

func (s *keydbKV) Close() error {
	return s.client.Close()
}

type keydbBatch struct {
	pipe redis.Pipeliner
}

func (b *keydbBatch) Set(ctx context.Context, key, value string) error {
	b.pipe.Set(ctx, key, value, 0)
	return nil
}

func (b *keydbBatch) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) > 0 {
		b.pipe.RPush(ctx, key, toAny(values)...)
	}
	return nil
}

func (b *keydbBatch) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) > 0 {
		b.pipe.HSet(ctx, key, fields)
	}
	return nil
}

func (b *keydbBatch) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) > 0 {
		b.pipe.HDel(ctx, key, fields...)
	}
	return nil
}

func (b *keydbBatch) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) > 0 {
		b.pipe.SAdd(ctx, key, toAny(members)...)
	}
	return nil
}

func (b *keydbBatch) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) > 0 {
		b.pipe.SRem(ctx, key, toAny(members)...)
	}
	return nil
}

func (b *keydbBatch) Expire(ctx context.Context, key string, ttl time.Duration) error {
	b.pipe.Expire(ctx, key, ttl)
	return nil
}

func (b *keydbBatch) Persist(ctx context.Context, key string) error {
	b.pipe.Persist(ctx, key)
	return nil
}

func (b *keydbBatch) Del(ctx context.Context, keys ...string) error {
	if len(keys) > 0 {
		b.pipe.Del(ctx, keys...)
	}
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %s", ErrWrongType, redisErr.Error())
	}
	return err
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
