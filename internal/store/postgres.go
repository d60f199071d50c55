package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/tracing"
)

const subscriptionColumns = `id, tenant_id, url, events, active, secret, failure_count, last_failure_at, last_triggered_at, policy, retry_state, version, created_at, updated_at`

const (
	insertSubscriptionQuery = `INSERT INTO subscriptions (id, tenant_id, url, events, active, secret, failure_count, last_failure_at, last_triggered_at, policy, retry_state, next_retry_at, claimed_until, dead_lettered, retry_delay_ms, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	getSubscriptionQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	dueForRetryQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE active AND NOT dead_lettered AND failure_count > 0 AND next_retry_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1) ORDER BY next_retry_at ASC, id ASC LIMIT $2`

	updateStateQuery = `UPDATE subscriptions SET active = $3, failure_count = $4, last_failure_at = $5, last_triggered_at = $6, retry_state = $7, next_retry_at = $8, claimed_until = $9, dead_lettered = $10, retry_delay_ms = $11, version = version + 1, updated_at = $12 WHERE id = $1 AND version = $2 RETURNING ` + subscriptionColumns

	queueStatsQuery = `SELECT
	COUNT(*) FILTER (WHERE active AND NOT dead_lettered AND failure_count > 0 AND next_retry_at IS NOT NULL AND (claimed_until IS NULL OR claimed_until <= $2)),
	COUNT(*) FILTER (WHERE NOT dead_lettered AND claimed_until > $2),
	COUNT(*) FILTER (WHERE dead_lettered),
	COALESCE(FLOOR(AVG(retry_delay_ms) FILTER (WHERE active AND NOT dead_lettered AND failure_count > 0 AND next_retry_at IS NOT NULL AND (claimed_until IS NULL OR claimed_until <= $2))), 0)::BIGINT
FROM subscriptions WHERE ($1 = '' OR tenant_id = $1)`
)

const uniqueViolation = "23505"

// Postgres stores subscriptions in the subscriptions table (see db.Schema).
// The version column guards every state write.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var (
		sub                        model.Subscription
		events, policy, retry      []byte
		lastFailure, lastTriggered sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &events, &sub.Active, &sub.Secret,
		&sub.FailureCount, &lastFailure, &lastTriggered, &policy, &retry,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return model.Subscription{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &sub.Events); err != nil {
			return model.Subscription{}, fmt.Errorf("decode events of %s: %w", sub.ID, err)
		}
	}
	if len(policy) > 0 && string(policy) != "null" {
		var p model.RetryPolicy
		if err := json.Unmarshal(policy, &p); err != nil {
			return model.Subscription{}, fmt.Errorf("decode policy of %s: %w", sub.ID, err)
		}
		sub.Policy = &p
	}
	if len(retry) > 0 {
		if err := json.Unmarshal(retry, &sub.Retry); err != nil {
			return model.Subscription{}, fmt.Errorf("decode retry state of %s: %w", sub.ID, err)
		}
	}
	if lastFailure.Valid {
		sub.LastFailureAt = model.TimePtr(lastFailure.Time)
	}
	if lastTriggered.Valid {
		sub.LastTriggeredAt = model.TimePtr(lastTriggered.Time)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (p *Postgres) Create(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "store.postgres.create")
	defer span.End()

	sub = prepare(sub.Clone(), uuid.NewString, p.now())
	events := sub.Events
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return model.Subscription{}, err
	}
	var policyJSON []byte
	if sub.Policy != nil {
		if policyJSON, err = json.Marshal(sub.Policy); err != nil {
			return model.Subscription{}, err
		}
	}
	retryJSON, err := json.Marshal(sub.Retry)
	if err != nil {
		return model.Subscription{}, err
	}

	_, err = p.db.ExecContext(ctx, insertSubscriptionQuery,
		sub.ID, sub.TenantID, sub.URL, eventsJSON, sub.Active, sub.Secret, sub.FailureCount,
		nullTime(sub.LastFailureAt), nullTime(sub.LastTriggeredAt), policyJSON, retryJSON,
		nullTime(sub.Retry.NextRetryAt), nullTime(sub.Retry.ClaimedUntil), sub.Retry.DeadLettered,
		sub.Retry.Delay.Milliseconds(), sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.Subscription{}, fmt.Errorf("create subscription %s: %w", sub.ID, ErrConflict)
		}
		return model.Subscription{}, fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	return sub, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (model.Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, getSubscriptionQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

func (p *Postgres) DueForRetry(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "store.postgres.due_for_retry", attribute.Int("limit", limit))
	defer span.End()

	rows, err := p.db.QueryContext(ctx, dueForRetryQuery, now.UTC(), limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	defer rows.Close()

	var due []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("due", len(due)))
	return due, nil
}

func (p *Postgres) Update(ctx context.Context, id string, expectedVersion int64, u model.StateUpdate) (model.Subscription, error) {
	retryJSON, err := json.Marshal(u.Retry)
	if err != nil {
		return model.Subscription{}, err
	}
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, updateStateQuery,
		id, expectedVersion, u.Active, u.FailureCount,
		nullTime(u.LastFailureAt), nullTime(u.LastTriggeredAt), retryJSON,
		nullTime(u.Retry.NextRetryAt), nullTime(u.Retry.ClaimedUntil), u.Retry.DeadLettered,
		u.Retry.Delay.Milliseconds(), p.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, fmt.Errorf("update subscription %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("update subscription %s: %w", id, err)
	}
	return sub, nil
}

func (p *Postgres) Stats(ctx context.Context, tenantID string, now time.Time) (model.QueueStats, error) {
	st := model.QueueStats{TenantID: tenantID}
	var avgMS int64
	err := p.db.QueryRowContext(ctx, queueStatsQuery, tenantID, now.UTC()).
		Scan(&st.Queued, &st.Processing, &st.DeadLettered, &avgMS)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	st.AvgRetryDelay = time.Duration(avgMS) * time.Millisecond
	return st, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
