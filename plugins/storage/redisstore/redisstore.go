// Package redisstore implements storage.Cache on Redis hashes.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

// Options for connecting to Redis. Zero values use go-redis defaults.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New returns a cache backed by an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Dial creates a client from opts and verifies the connection.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(err)
	}
	return New(client), nil
}

// Store is a storage.Cache on Redis.
type Store struct {
	client redis.UniversalClient
}

// Client exposes the underlying connection, e.g. to share it with the
// discovery bus.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

func (s *Store) Put(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return errors.Kindf(errors.Validation, "redisstore: no fields to write for %q", key)
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	var hset *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		hset = pipe.HSet(ctx, key, values)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if hset.Val() == 0 {
		return errors.Mark(storage.ErrNotConfirmed, 0)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return errors.Mark(storage.ErrNotConfirmed, 0)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	// HGETALL on a missing key is an empty map, not redis.Nil.
	if len(fields) == 0 {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	return fields, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func unavailable(err error) error {
	return errors.Errorf("%w: %v", storage.ErrUnavailable, err)
}
