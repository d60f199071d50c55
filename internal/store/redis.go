package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_retry/internal/model"
)

// Redis keeps one JSON document per subscription plus a sorted-set due index.
// The due index is scored by max(NextRetryAt, ClaimedUntil) in unix millis, so a
// claimed subscription drops out of ZRANGEBYSCORE until its lease runs out.
// Updates are optimistic WATCH/MULTI transactions on the document key.
type Redis struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis wraps rdb. prefix namespaces every key, e.g. "harborretry:".
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

// NewRedisFromURL parses a redis:// URL the way REDIS_URL is configured
func NewRedisFromURL(url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opt), prefix), nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) subKey(id string) string        { return r.prefix + "sub:" + id }
func (r *Redis) dueKey() string                 { return r.prefix + "due" }
func (r *Redis) allKey() string                 { return r.prefix + "subs" }
func (r *Redis) tenantKey(tenant string) string { return r.prefix + "tenant:" + tenant }

// dueScore returns the index score, or false when sub does not belong in the due index
func dueScore(sub model.Subscription) (float64, bool) {
	if !sub.Active || sub.Retry.DeadLettered || sub.FailureCount <= 0 || sub.Retry.NextRetryAt == nil {
		return 0, false
	}
	at := *sub.Retry.NextRetryAt
	if sub.Retry.ClaimedUntil != nil && sub.Retry.ClaimedUntil.After(at) {
		at = *sub.Retry.ClaimedUntil
	}
	return float64(at.UnixMilli()), true
}

func (r *Redis) writeIndex(ctx context.Context, pipe redis.Pipeliner, sub model.Subscription) {
	if score, ok := dueScore(sub); ok {
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: score, Member: sub.ID})
	} else {
		pipe.ZRem(ctx, r.dueKey(), sub.ID)
	}
}

// Create writes the document and its index entries in one MULTI, watched on the
// document key so a concurrent Create of the same id fails instead of overwriting.
func (r *Redis) Create(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	sub = prepare(sub.Clone(), uuid.NewString, r.now())
	doc, err := json.Marshal(sub)
	if err != nil {
		return model.Subscription{}, err
	}
	key := r.subKey(sub.ID)

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			pipe.SAdd(ctx, r.allKey(), sub.ID)
			pipe.SAdd(ctx, r.tenantKey(sub.TenantID), sub.ID)
			r.writeIndex(ctx, pipe, sub)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return model.Subscription{}, fmt.Errorf("create subscription %s: %w", sub.ID, ErrConflict)
	default:
		return model.Subscription{}, fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
}

func (r *Redis) Get(ctx context.Context, id string) (model.Subscription, error) {
	return r.get(ctx, r.rdb, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) get(ctx context.Context, c stringGetter, id string) (model.Subscription, error) {
	doc, err := c.Get(ctx, r.subKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	var sub model.Subscription
	if err := json.Unmarshal(doc, &sub); err != nil {
		return model.Subscription{}, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return sub, nil
}

func (r *Redis) load(ctx context.Context, ids []string) ([]model.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.subKey(id)
	}
	docs, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]model.Subscription, 0, len(docs))
	for i, d := range docs {
		s, ok := d.(string)
		if !ok {
			continue // deleted between index read and MGET
		}
		var sub model.Subscription
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", ids[i], err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *Redis) DueForRetry(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.dueKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due index: %w", err)
	}
	subs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := subs[:0]
	for _, s := range subs {
		if s.Due(now) {
			due = append(due, s)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Retry.NextRetryAt.Before(*due[j].Retry.NextRetryAt)
	})
	return due, nil
}

func (r *Redis) Update(ctx context.Context, id string, expectedVersion int64, u model.StateUpdate) (model.Subscription, error) {
	key := r.subKey(id)
	var out model.Subscription

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrConflict
		}

		next := cur.Apply(u)
		next.Version = cur.Version + 1
		next.UpdatedAt = r.now().UTC()
		doc, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			r.writeIndex(ctx, pipe, next)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, key)

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return model.Subscription{}, fmt.Errorf("update subscription %s at version %d: %w", id, expectedVersion, ErrConflict)
	default:
		return model.Subscription{}, fmt.Errorf("update subscription %s: %w", id, err)
	}
}

func (r *Redis) Stats(ctx context.Context, tenantID string, now time.Time) (model.QueueStats, error) {
	set := r.allKey()
	if tenantID != "" {
		set = r.tenantKey(tenantID)
	}
	ids, err := r.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	subs, err := r.load(ctx, ids)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return tally(subs, tenantID, now), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
