package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_retry/internal/model"
)

// Memory is an in-process Store used by tests and single-node deployments.
type Memory struct {
	mu   sync.Mutex
	subs map[string]model.Subscription
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]model.Subscription), now: time.Now}
}

func (m *Memory) Create(_ context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub = prepare(sub.Clone(), uuid.NewString, m.now())
	if _, exists := m.subs[sub.ID]; exists {
		return model.Subscription{}, fmt.Errorf("create subscription %s: %w", sub.ID, ErrConflict)
	}
	m.subs[sub.ID] = sub
	return sub.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, ErrNotFound)
	}
	return sub.Clone(), nil
}

func (m *Memory) DueForRetry(_ context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []model.Subscription
	for _, s := range m.subs {
		if s.Due(now) {
			due = append(due, s.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].Retry.NextRetryAt, due[j].Retry.NextRetryAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Update(_ context.Context, id string, expectedVersion int64, u model.StateUpdate) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[id]
	if !ok || cur.Version != expectedVersion {
		return model.Subscription{}, fmt.Errorf("update subscription %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	next := cur.Apply(u).Clone()
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.subs[id] = next
	return next.Clone(), nil
}

func (m *Memory) Stats(_ context.Context, tenantID string, now time.Time) (model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		all = append(all, s)
	}
	return tally(all, tenantID, now), nil
}

func (m *Memory) Ping(context.Context) error { return nil }
