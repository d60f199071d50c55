package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Priority is the dispatch tier of a subscription's retries.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dispatch, lower runs first. Unknown tiers sort with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

var ErrInvalidPolicy = errors.New("invalid retry policy")

// RetryPolicy bounds and shapes the retry sequence of one subscription
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries" validate:"gte=1"`
	InitialDelay      time.Duration `json:"initial_delay" validate:"gt=0"`
	MaxDelay          time.Duration `json:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" validate:"gt=1"`
	Priority          Priority      `json:"priority" validate:"oneof=high medium low"`
}

var validate = validator.New()

// Validate checks the policy field constraints
func (p RetryPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

// DefaultPolicy is applied to subscriptions without a configured policy
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2,
		Priority:          PriorityMedium,
	}
}

// RetryState is the transient delivery state kept alongside a subscription.
type RetryState struct {
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Attempt        int             `json:"attempt"`
	Policy         *RetryPolicy    `json:"policy,omitempty"`
	Delay          time.Duration   `json:"delay,omitempty"`
	ClaimedUntil   *time.Time      `json:"claimed_until,omitempty"`
	DeadLettered   bool            `json:"dead_lettered"`
	DeadLetteredAt *time.Time      `json:"dead_lettered_at,omitempty"`
	LastEvent      string          `json:"last_event,omitempty"`
	LastPayload    json.RawMessage `json:"last_payload,omitempty"`
	LastSignature  string          `json:"last_signature,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastStatus     int             `json:"last_status,omitempty"`
}

// Claimed reports whether a dispatcher lease is still held at now.
func (r RetryState) Claimed(now time.Time) bool {
	return r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}

// Subscription is a tenant's registered webhook endpoint together with its delivery state.
type Subscription struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	URL             string       `json:"url"`
	Events          []string     `json:"events,omitempty"`
	Active          bool         `json:"active"`
	Secret          string       `json:"secret,omitempty"`
	FailureCount    int          `json:"failure_count"`
	LastFailureAt   *time.Time   `json:"last_failure_at,omitempty"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty"`
	Policy          *RetryPolicy `json:"policy,omitempty"`
	Retry           RetryState   `json:"retry"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// EffectivePolicy returns the policy governing the current retry sequence:
// the snapshot if one was taken, else the configured policy, else def.
func (s Subscription) EffectivePolicy(def RetryPolicy) RetryPolicy {
	if s.Retry.Policy != nil {
		return *s.Retry.Policy
	}
	if s.Policy != nil {
		return *s.Policy
	}
	return def
}

// Eligible reports whether the subscription may receive delivery attempts.
func (s Subscription) Eligible(def RetryPolicy) bool {
	return s.Active && !s.Retry.DeadLettered && s.FailureCount < s.EffectivePolicy(def).MaxRetries
}

// Due reports whether a scheduled retry is ready to run at now.
func (s Subscription) Due(now time.Time) bool {
	if !s.Active || s.Retry.DeadLettered || s.FailureCount <= 0 {
		return false
	}
	if s.Retry.NextRetryAt == nil || s.Retry.NextRetryAt.After(now) {
		return false
	}
	return !s.Retry.Claimed(now)
}

// Subscribed reports whether the subscription wants eventName. An empty event list means all events.
func (s Subscription) Subscribed(eventName string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventName || e == "*" {
			return true
		}
	}
	return false
}

// StateUpdate is the mutable part of a subscription written by a conditional update.
type StateUpdate struct {
	Active          bool
	FailureCount    int
	LastFailureAt   *time.Time
	LastTriggeredAt *time.Time
	Retry           RetryState
}

// State returns the subscription's current mutable state.
func (s Subscription) State() StateUpdate {
	return StateUpdate{
		Active:          s.Active,
		FailureCount:    s.FailureCount,
		LastFailureAt:   s.LastFailureAt,
		LastTriggeredAt: s.LastTriggeredAt,
		Retry:           s.Retry,
	}
}

// Apply returns a copy of s with u written over its mutable state.
func (s Subscription) Apply(u StateUpdate) Subscription {
	s.Active = u.Active
	s.FailureCount = u.FailureCount
	s.LastFailureAt = u.LastFailureAt
	s.LastTriggeredAt = u.LastTriggeredAt
	s.Retry = u.Retry
	return s
}

// QueueStats summarises the retry queue for one tenant, or globally when TenantID is empty.
type QueueStats struct {
	TenantID      string        `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Queued        int           `json:"queued" yaml:"queued"`
	Processing    int           `json:"processing" yaml:"processing"`
	DeadLettered  int           `json:"dead_lettered" yaml:"dead_lettered"`
	AvgRetryDelay time.Duration `json:"avg_retry_delay" yaml:"avg_retry_delay"`
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy of s; stores hand out clones so callers never share state.
func (s Subscription) Clone() Subscription {
	c := s
	if s.Events != nil {
		c.Events = append([]string(nil), s.Events...)
	}
	if s.Policy != nil {
		p := *s.Policy
		c.Policy = &p
	}
	c.LastFailureAt = cloneTime(s.LastFailureAt)
	c.LastTriggeredAt = cloneTime(s.LastTriggeredAt)
	c.Retry = s.Retry.Clone()
	return c
}

// Clone returns a deep copy of r.
func (r RetryState) Clone() RetryState {
	c := r
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.ClaimedUntil = cloneTime(r.ClaimedUntil)
	c.DeadLetteredAt = cloneTime(r.DeadLetteredAt)
	if r.Policy != nil {
		p := *r.Policy
		c.Policy = &p
	}
	if r.LastPayload != nil {
		c.LastPayload = append(json.RawMessage(nil), r.LastPayload...)
	}
	return c
}
