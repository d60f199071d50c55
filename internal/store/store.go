package store

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_retry/internal/model"
)

var (
	ErrNotFound = errors.New("subscription not found")
	// ErrConflict means the stored version no longer matches the caller's.
	// Callers treat it as "someone else already handled this".
	ErrConflict = errors.New("subscription version conflict")
)

// Store persists subscriptions and their retry state. Every state write is a
// compare-and-swap on Subscription.Version.
type Store interface {
	Create(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	Get(ctx context.Context, id string) (model.Subscription, error)
	// DueForRetry returns at most limit subscriptions whose retry is due at now,
	// oldest NextRetryAt first. Claimed subscriptions are excluded.
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error)
	// Update writes u if the stored version equals expectedVersion and returns
	// the stored subscription with its new version.
	Update(ctx context.Context, id string, expectedVersion int64, u model.StateUpdate) (model.Subscription, error)
	// Stats summarises the retry queue; tenantID "" means all tenants.
	Stats(ctx context.Context, tenantID string, now time.Time) (model.QueueStats, error)
	Ping(ctx context.Context) error
}

// queued reports whether sub is waiting in the retry queue at now (due or not yet due)
func queued(sub model.Subscription, now time.Time) bool {
	return sub.Active && !sub.Retry.DeadLettered && sub.FailureCount > 0 &&
		sub.Retry.NextRetryAt != nil && !sub.Retry.Claimed(now)
}

// tally folds subscriptions into QueueStats. Backends that cannot aggregate
// server-side use it so every backend counts the same way.
func tally(subs []model.Subscription, tenantID string, now time.Time) model.QueueStats {
	st := model.QueueStats{TenantID: tenantID}
	var delaySum time.Duration
	for _, s := range subs {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		switch {
		case s.Retry.DeadLettered:
			st.DeadLettered++
		case s.Retry.Claimed(now):
			st.Processing++
		case queued(s, now):
			st.Queued++
			delaySum += s.Retry.Delay
		}
	}
	if st.Queued > 0 {
		st.AvgRetryDelay = (delaySum / time.Duration(st.Queued)).Truncate(time.Millisecond)
	}
	return st
}

// prepare fills the fields Create owns
func prepare(sub model.Subscription, newID func() string, now time.Time) model.Subscription {
	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.Version = 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now.UTC()
	}
	sub.UpdatedAt = now.UTC()
	return sub
}
