package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/harbor_retry/internal/model"
)

func pendingSub(id, tenant string, failures int, nextRetryAt time.Time, delay time.Duration) model.Subscription {
	return model.Subscription{
		ID:           id,
		TenantID:     tenant,
		URL:          "https://example.com/" + id,
		Active:       true,
		Secret:       "s3cret",
		FailureCount: failures,
		Retry: model.RetryState{
			NextRetryAt: model.TimePtr(nextRetryAt),
			Attempt:     failures,
			Delay:       delay,
		},
	}
}

// runStoreSuite exercises the behaviour every backend must share
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, model.Subscription{TenantID: "tn_1", URL: "https://example.com", Active: true, Secret: "k", Events: []string{"invoice.paid"}})
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if created.ID == "" || created.Version != 1 {
			t.Fatalf("Create() = %+v, want generated id and version 1", created)
		}
		got, err := s.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.TenantID != "tn_1" || len(got.Events) != 1 || got.Events[0] != "invoice.paid" {
			t.Errorf("Get() = %+v", got)
		}
		if _, err := s.Create(ctx, created); !errors.Is(err, ErrConflict) {
			t.Errorf("Create() duplicate error = %v, want ErrConflict", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("update is conditional on version", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Create(ctx, pendingSub("sub_cas", "tn_1", 1, now, time.Second))
		if err != nil {
			t.Fatal(err)
		}
		u := sub.State()
		u.FailureCount = 2
		updated, err := s.Update(ctx, sub.ID, sub.Version, u)
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
		if updated.Version != sub.Version+1 || updated.FailureCount != 2 {
			t.Errorf("Update() = version %d failures %d", updated.Version, updated.FailureCount)
		}
		if _, err := s.Update(ctx, sub.ID, sub.Version, u); !errors.Is(err, ErrConflict) {
			t.Errorf("stale Update() error = %v, want ErrConflict", err)
		}
		if _, err := s.Update(ctx, "missing", 1, u); !errors.Is(err, ErrConflict) {
			t.Errorf("Update() on missing row error = %v, want ErrConflict", err)
		}
	})

	t.Run("due for retry ordering and filtering", func(t *testing.T) {
		s := newStore(t)
		fixtures := []model.Subscription{
			pendingSub("late", "tn_1", 1, now.Add(-time.Second), time.Second),
			pendingSub("early", "tn_1", 2, now.Add(-time.Minute), 2*time.Second),
			pendingSub("future", "tn_1", 1, now.Add(time.Hour), time.Second),
		}
		claimed := pendingSub("claimed", "tn_1", 1, now.Add(-time.Hour), time.Second)
		claimed.Retry.ClaimedUntil = model.TimePtr(now.Add(time.Minute))
		dead := pendingSub("dead", "tn_1", 3, now.Add(-time.Hour), time.Second)
		dead.Active = false
		dead.Retry.DeadLettered = true
		healthy := model.Subscription{ID: "healthy", TenantID: "tn_1", URL: "https://x", Active: true, Secret: "k"}
		fixtures = append(fixtures, claimed, dead, healthy)
		for _, f := range fixtures {
			if _, err := s.Create(ctx, f); err != nil {
				t.Fatal(err)
			}
		}

		due, err := s.DueForRetry(ctx, now, 10)
		if err != nil {
			t.Fatalf("DueForRetry() error: %v", err)
		}
		if len(due) != 2 || due[0].ID != "early" || due[1].ID != "late" {
			t.Fatalf("DueForRetry() = %v, want [early late]", ids(due))
		}

		limited, err := s.DueForRetry(ctx, now, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].ID != "early" {
			t.Errorf("DueForRetry(limit 1) = %v, want [early]", ids(limited))
		}
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		claimed := pendingSub("c", "tn_1", 1, now.Add(-time.Second), time.Second)
		claimed.Retry.ClaimedUntil = model.TimePtr(now.Add(time.Minute))
		dead := pendingSub("d", "tn_1", 3, now, time.Second)
		dead.Active = false
		dead.Retry.DeadLettered = true
		for _, f := range []model.Subscription{
			pendingSub("a", "tn_1", 1, now.Add(time.Second), time.Second),
			pendingSub("b", "tn_1", 2, now.Add(-time.Second), 3*time.Second),
			pendingSub("e", "tn_2", 1, now, 10*time.Second),
			claimed,
			dead,
		} {
			if _, err := s.Create(ctx, f); err != nil {
				t.Fatal(err)
			}
		}

		st, err := s.Stats(ctx, "tn_1", now)
		if err != nil {
			t.Fatalf("Stats() error: %v", err)
		}
		want := model.QueueStats{TenantID: "tn_1", Queued: 2, Processing: 1, DeadLettered: 1, AvgRetryDelay: 2 * time.Second}
		if st != want {
			t.Errorf("Stats(tn_1) = %+v, want %+v", st, want)
		}

		global, err := s.Stats(ctx, "", now)
		if err != nil {
			t.Fatal(err)
		}
		if global.Queued != 3 || global.Processing != 1 || global.DeadLettered != 1 {
			t.Errorf("Stats(global) = %+v", global)
		}

		empty, err := s.Stats(ctx, "tn_none", now)
		if err != nil {
			t.Fatal(err)
		}
		if empty.Queued != 0 || empty.AvgRetryDelay != 0 {
			t.Errorf("Stats(empty tenant) = %+v", empty)
		}
	})

	t.Run("concurrent updates at the same version", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Create(ctx, pendingSub("race", "tn_1", 1, now, time.Second))
		if err != nil {
			t.Fatal(err)
		}

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u := sub.State()
				u.Retry.ClaimedUntil = model.TimePtr(now.Add(time.Minute))
				_, err := s.Update(ctx, sub.ID, sub.Version, u)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("Update() unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 || conflicts.Load() != 15 {
			t.Errorf("wins=%d conflicts=%d, want 1 and 15", wins.Load(), conflicts.Load())
		}
	})
}

func ids(subs []model.Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sub, err := m.Create(ctx, model.Subscription{ID: "s", TenantID: "t", Events: []string{"a"}, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	sub.Events[0] = "mutated"

	got, _ := m.Get(ctx, "s")
	if got.Events[0] != "a" {
		t.Errorf("store state shared with caller: %v", got.Events)
	}
}

func TestTally(t *testing.T) {
	now := time.Now()
	subs := []model.Subscription{
		pendingSub("a", "t", 1, now, 1500*time.Millisecond),
		pendingSub("b", "t", 1, now, 1501*time.Millisecond),
	}
	st := tally(subs, "", now)
	if st.Queued != 2 || st.AvgRetryDelay != 1500*time.Millisecond {
		t.Errorf("tally() = %+v, want 2 queued averaging 1.5s", st)
	}
}
