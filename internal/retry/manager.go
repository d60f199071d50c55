package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_retry/internal/backoff"
	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/store"
)

// Manager owns every retry state transition of a subscription. All writes are
// conditional on the version of the subscription passed in; a lost race comes
// back as store.ErrConflict and leaves the stored state untouched.
type Manager struct {
	store    store.Store
	calc     *backoff.Calculator
	defaults model.RetryPolicy
	now      func() time.Time
	log      *logging.Logger
}

type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithCalculator(c *backoff.Calculator) Option {
	return func(m *Manager) { m.calc = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(s store.Store, defaults model.RetryPolicy, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		calc:     backoff.New(nil),
		defaults: defaults,
		now:      time.Now,
		log:      logging.New("retry"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Store() store.Store          { return m.store }
func (m *Manager) Defaults() model.RetryPolicy { return m.defaults }
func (m *Manager) Now() time.Time              { return m.now().UTC() }

// Policy returns the policy governing sub's current or next retry sequence
func (m *Manager) Policy(sub model.Subscription) model.RetryPolicy {
	return sub.EffectivePolicy(m.defaults)
}

func (m *Manager) update(ctx context.Context, op string, sub model.Subscription, u model.StateUpdate) (model.Subscription, error) {
	out, err := m.store.Update(ctx, sub.ID, sub.Version, u)
	if errors.Is(err, store.ErrConflict) {
		metrics.RecordConflict(op)
		m.log.WithContext(ctx).WithTenant(sub.TenantID).WithSubscription(sub.ID).
			WithField("op", op).WithField("version", sub.Version).
			Debug("state changed concurrently, skipping")
	}
	return out, err
}

// Claim leases sub to the caller until now+lease. The returned subscription
// carries the version later transitions must present.
func (m *Manager) Claim(ctx context.Context, sub model.Subscription, lease time.Duration) (model.Subscription, error) {
	u := sub.State()
	u.Retry.ClaimedUntil = model.TimePtr(m.now().Add(lease))
	return m.update(ctx, "claim", sub, u)
}

// Begin claims sub for a new event and records the payload so a later retry
// replays exactly what was sent. The newest event replaces any pending one.
func (m *Manager) Begin(ctx context.Context, sub model.Subscription, task delivery.Task, lease time.Duration) (model.Subscription, error) {
	u := sub.State()
	u.Retry.ClaimedUntil = model.TimePtr(m.now().Add(lease))
	u.Retry.LastEvent = task.EventName
	u.Retry.LastPayload = task.Payload
	u.Retry.LastSignature = delivery.Sign(sub.Secret, task.Payload)
	return m.update(ctx, "begin", sub, u)
}

// ScheduleRetry records a failed attempt and schedules attempt number `attempt`
// (already incremented) after NextDelay(attempt-1). policy becomes the
// sequence's snapshot if none was taken yet.
func (m *Manager) ScheduleRetry(ctx context.Context, sub model.Subscription, attempt int, policy model.RetryPolicy, failure delivery.RetriableFailure) (model.Subscription, error) {
	if attempt < 1 {
		return model.Subscription{}, fmt.Errorf("schedule retry for %s: attempt %d out of range", sub.ID, attempt)
	}
	now := m.now()
	delay := m.calc.NextDelay(attempt-1, policy)

	u := sub.State()
	u.FailureCount = attempt
	u.LastFailureAt = model.TimePtr(now)
	u.Retry.Attempt = attempt
	if u.Retry.Policy == nil {
		p := policy
		u.Retry.Policy = &p
	}
	u.Retry.Delay = delay
	u.Retry.NextRetryAt = model.TimePtr(now.Add(delay))
	u.Retry.ClaimedUntil = nil
	u.Retry.LastError = failure.Error()
	u.Retry.LastStatus = failure.StatusCode

	out, err := m.update(ctx, "schedule", sub, u)
	if err != nil {
		return out, err
	}
	metrics.RecordRetryScheduled(failure.Reason, delay)
	return out, nil
}

// RecordSuccess resets the failure state after a delivered event
func (m *Manager) RecordSuccess(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	u := sub.State()
	u.FailureCount = 0
	u.LastTriggeredAt = model.TimePtr(m.now())
	u.Retry = model.RetryState{LastEvent: sub.Retry.LastEvent}
	return m.update(ctx, "success", sub, u)
}

// RecordDeadLetter moves sub to its terminal state. It is idempotent: applied
// reports whether this call made the transition, so side effects such as the
// DLQ publish happen once.
func (m *Manager) RecordDeadLetter(ctx context.Context, sub model.Subscription, failure delivery.RetriableFailure) (out model.Subscription, applied bool, err error) {
	if sub.Retry.DeadLettered {
		return sub, false, nil
	}
	now := m.now()

	u := sub.State()
	u.Active = false
	u.FailureCount = sub.Retry.Attempt + 1
	u.LastFailureAt = model.TimePtr(now)
	u.Retry.Attempt = sub.Retry.Attempt + 1
	u.Retry.DeadLettered = true
	u.Retry.DeadLetteredAt = model.TimePtr(now)
	u.Retry.NextRetryAt = nil
	u.Retry.ClaimedUntil = nil
	u.Retry.Delay = 0
	u.Retry.LastError = failure.Error()
	u.Retry.LastStatus = failure.StatusCode

	out, err = m.update(ctx, "dead_letter", sub, u)
	if errors.Is(err, store.ErrConflict) {
		fresh, getErr := m.store.Get(ctx, sub.ID)
		if getErr == nil && fresh.Retry.DeadLettered {
			return fresh, false, nil
		}
		return model.Subscription{}, false, err
	}
	if err != nil {
		return model.Subscription{}, false, err
	}
	metrics.RecordDeadLetter(failure.Reason)
	return out, true, nil
}

// Reactivate clears a dead-lettered (or deactivated) subscription back to a
// fresh, eligible state. The next sequence snapshots the then-current policy.
func (m *Manager) Reactivate(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	u := sub.State()
	u.Active = true
	u.FailureCount = 0
	u.Retry = model.RetryState{}
	return m.update(ctx, "reactivate", sub, u)
}
