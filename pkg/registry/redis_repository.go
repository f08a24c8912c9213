package registry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisRepository keeps each record as a JSON string with two secondary keys,
// callback id -> identity and claimed subject -> identity. Writes run in
// WATCH/MULTI transactions; a lost race surfaces as ErrConflict.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) userKey(identity string) string {
	return r.prefix + ":user:" + identity
}

func (r *RedisRepository) callbackKey(callbackID string) string {
	return r.prefix + ":callback:" + callbackID
}

func (r *RedisRepository) claimedKey(subject string) string {
	return r.prefix + ":claimed:" + subject
}

func (r *RedisRepository) Create(ctx context.Context, rec *UserRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	userKey := r.userKey(rec.Identity)
	callbackKey := r.callbackKey(rec.CallbackID)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey, callbackKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, payload, 0)
			pipe.Set(ctx, callbackKey, rec.Identity, 0)
			return nil
		})
		return err
	}, userKey, callbackKey)
	return translateRedisErr(err)
}

func (r *RedisRepository) Get(ctx context.Context, identity string) (*UserRecord, error) {
	return r.load(ctx, r.client, r.userKey(identity))
}

func (r *RedisRepository) GetByCallbackID(ctx context.Context, callbackID string) (*UserRecord, error) {
	identity, err := r.client.Get(ctx, r.callbackKey(callbackID)).Result()
	if err != nil {
		return nil, translateRedisErr(err)
	}
	return r.Get(ctx, identity)
}

func (r *RedisRepository) FindClaimedBySubject(ctx context.Context, subject string) (*UserRecord, error) {
	identity, err := r.client.Get(ctx, r.claimedKey(subject)).Result()
	if err != nil {
		return nil, translateRedisErr(err)
	}
	return r.Get(ctx, identity)
}

func (r *RedisRepository) CompareAndSwapClaim(ctx context.Context, identity string, expected ClaimStatus, update ClaimUpdate) error {
	userKey := r.userKey(identity)
	keys := []string{userKey}
	if update.ClaimSubject != "" {
		keys = append(keys, r.claimedKey(update.ClaimSubject))
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, userKey)
		if err != nil {
			return err
		}
		if rec.ClaimStatus != expected {
			return ErrConflict
		}
		if update.ClaimSubject != "" {
			owner, err := tx.Get(ctx, r.claimedKey(update.ClaimSubject)).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			case owner != identity:
				return ErrConflict
			}
		}

		rec.apply(update)
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, payload, 0)
			if update.ClaimSubject != "" && update.Status == StatusClaimed {
				pipe.Set(ctx, r.claimedKey(update.ClaimSubject), identity, 0)
			}
			return nil
		})
		return err
	}, keys...)
	return translateRedisErr(err)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) load(ctx context.Context, c redisGetter, key string) (*UserRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translateRedisErr(err)
	}
	var rec UserRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func translateRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return err
	}
}
