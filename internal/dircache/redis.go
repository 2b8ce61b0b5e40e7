// Package dircache keeps the last good instance directory in Redis so a
// directory outage does not leave the manager without fetched instances.
package dircache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "cobaltdl"
	KeySeparator  = ":"
)

type Redis struct {
	cl     *redis.Client
	prefix string
	log    *slog.Logger
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, rawURL, prefix string, log *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}
	cl := redis.NewClient(opt)
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}
	return New(cl, prefix, log), nil
}

func New(cl *redis.Client, prefix string, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		cl:     cl,
		prefix: prefix,
		log:    log.With(slog.String("item", "DirectoryCache")),
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + KeySeparator + k
}

// Load returns the cached body for key. A missing key is a miss, not an
// error.
func (r *Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cl.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cannot load %s: %w", key, err)
	}
	return b, true, nil
}

// Store saves body under key for ttl. A zero ttl keeps it forever.
func (r *Redis) Store(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	if err := r.cl.Set(ctx, r.key(key), body, ttl).Err(); err != nil {
		return fmt.Errorf("cannot store %s: %w", key, err)
	}
	r.log.Debug("stored", "key", key, "bytes", len(body), "ttl", ttl)
	return nil
}

func (r *Redis) Close() error {
	return r.cl.Close()
}
