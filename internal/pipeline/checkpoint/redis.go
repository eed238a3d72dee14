package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hwbuild:checkpoint:"

// RedisStore keeps each checkpoint in one string key. SET replaces the
// value atomically.
type RedisStore struct {
	blobStore
}

type redisBackend struct {
	addr   string
	client *redis.Client
}

// NewRedisStore connects using a redis:// URL and pings the server.
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", opts.Addr)
	}
	return &RedisStore{blobStore{b: &redisBackend{addr: opts.Addr, client: client}}}, nil
}

func (b *redisBackend) put(ctx context.Context, runID string, data []byte) error {
	return errors.Wrapf(b.client.Set(ctx, redisKeyPrefix+runID, data, 0).Err(), "redis set %s", runID)
}

func (b *redisBackend) get(ctx context.Context, runID string) ([]byte, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", runID)
	}
	return data, nil
}

func (b *redisBackend) keys(ctx context.Context) ([]string, error) {
	out := []string{}
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		if ValidateRunID(id) == nil {
			out = append(out, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return out, nil
}

func (b *redisBackend) close() error { return b.client.Close() }

func (b *redisBackend) String() string { return "redis://" + b.addr }
