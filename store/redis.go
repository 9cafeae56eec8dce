package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/UnclePhil1/chromatic/ringgame"
)

// roomTTL bounds how long an untouched room survives. Every write refreshes
// the expiry, so only abandoned rooms age out.
const roomTTL = 2 * time.Hour

const keyPrefix = "chromatic:room:"

// RedisStore keeps rooms as JSON values in redis. Version checks are enforced
// with a WATCH/MULTI transaction so concurrent writers cannot clobber each
// other's updates.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func roomKey(code string) string {
	return keyPrefix + strings.ToUpper(code)
}

func (r *RedisStore) Get(ctx context.Context, code string) (*ringgame.Room, error) {
	raw, err := r.rdb.Get(ctx, roomKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var room ringgame.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", code, err)
	}
	return &room, nil
}

func (r *RedisStore) Put(ctx context.Context, room *ringgame.Room) error {
	key := roomKey(room.Code)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		var cur ringgame.Room
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode room %s: %w", room.Code, err)
		}
		if cur.Version != room.Version {
			return ErrVersionMismatch
		}

		next := room.Clone()
		next.Version++
		val, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode room %s: %w", room.Code, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, roomTTL)
			return nil
		})
		if err != nil {
			return err
		}
		room.Version = next.Version
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else wrote between our read and the exec.
		return ErrVersionMismatch
	}
	return err
}

func (r *RedisStore) Create(ctx context.Context, room *ringgame.Room) error {
	val, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.Code, err)
	}
	ok, err := r.rdb.SetNX(ctx, roomKey(room.Code), val, roomTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, code string) error {
	if err := r.rdb.Del(ctx, roomKey(code)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
