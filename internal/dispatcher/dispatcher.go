package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/retry"
	"github.com/austindbirch/harbor_retry/internal/store"
	"github.com/austindbirch/harbor_retry/internal/tracing"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 10
)

var (
	ErrStopped = errors.New("dispatcher is shutting down")
	// ErrBusy means another attempt holds the subscription; the trigger should be retried later.
	ErrBusy          = errors.New("subscription has an attempt in flight")
	ErrIneligible    = errors.New("subscription is not eligible for delivery")
	ErrNotSubscribed = errors.New("subscription does not listen to this event")
)

// Attempter runs one delivery attempt. *delivery.Executor satisfies it.
type Attempter interface {
	Attempt(ctx context.Context, req delivery.Request) delivery.Outcome
}

// DeadLetterPublisher receives the envelope of every subscription this dispatcher dead-letters.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl delivery.DeadLetter) error
}

// Config tunes a scan. Zero values take the package defaults.
type Config struct {
	BatchSize   int
	Concurrency int
	// Lease is how long a claim hides a subscription from other scans.
	Lease time.Duration
	// RateLimit caps outbound attempts per second across the pool. 0 disables pacing.
	RateLimit float64
}

func (c Config) withDefaults(timeout time.Duration) Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	// a lease that can expire mid-attempt would let another scan deliver again
	if c.Lease <= timeout {
		c.Lease = 2*timeout + 5*time.Second
	}
	return c
}

// Result counts what one ProcessRetryQueue call did. Processed = Succeeded + Failed;
// Failed includes the attempts that ended in DeadLettered. Skipped counts
// subscriptions another worker claimed first.
type Result struct {
	Processed    int `json:"processed" yaml:"processed"`
	Succeeded    int `json:"succeeded" yaml:"succeeded"`
	Failed       int `json:"failed" yaml:"failed"`
	DeadLettered int `json:"dead_lettered" yaml:"dead_lettered"`
	Skipped      int `json:"skipped" yaml:"skipped"`
}

type verdict int

const (
	verdictAbandoned verdict = iota // never claimed because the dispatcher is stopping
	verdictSkipped
	verdictSucceeded
	verdictRetrying
	verdictDeadLettered
)

func (r *Result) add(v verdict) {
	switch v {
	case verdictAbandoned:
		return
	case verdictSkipped:
		r.Skipped++
		return
	case verdictSucceeded:
		r.Succeeded++
	case verdictRetrying:
		r.Failed++
	case verdictDeadLettered:
		r.Failed++
		r.DeadLettered++
	}
	r.Processed++
}

// Dispatcher replays due retries and makes first attempts for new events.
type Dispatcher struct {
	mgr     *retry.Manager
	exec    Attempter
	dlq     DeadLetterPublisher
	cfg     Config
	limiter *rate.Limiter
	log     *logging.Logger

	// mu orders inflight.Add against Shutdown setting stopping
	mu       sync.Mutex
	stopping atomic.Bool
	inflight sync.WaitGroup
}

// New wires a dispatcher. dlq may be nil when DLQ publishing is disabled.
func New(mgr *retry.Manager, exec *delivery.Executor, dlq DeadLetterPublisher, cfg Config) *Dispatcher {
	return NewWithAttempter(mgr, exec, exec.Timeout(), dlq, cfg)
}

// NewWithAttempter is New for a custom Attempter whose attempts are bounded by timeout
func NewWithAttempter(mgr *retry.Manager, exec Attempter, timeout time.Duration, dlq DeadLetterPublisher, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults(timeout)
	d := &Dispatcher{
		mgr:  mgr,
		exec: exec,
		dlq:  dlq,
		cfg:  cfg,
		log:  logging.New("dispatcher"),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// acquire registers one unit of in-flight work, or reports false once Shutdown has begun
func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping.Load() {
		return false
	}
	d.inflight.Add(1)
	return true
}

// ProcessRetryQueue runs one scan: at most BatchSize due subscriptions each get
// exactly one delivery attempt, and the outcome is written back conditionally.
// Store errors are collected and returned after the whole batch has run.
func (d *Dispatcher) ProcessRetryQueue(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !d.acquire() {
		return Result{}, ErrStopped
	}
	defer d.inflight.Done()
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "dispatcher.process_retry_queue",
		attribute.Int("batch_size", d.cfg.BatchSize),
		attribute.Int("concurrency", d.cfg.Concurrency),
	)
	defer span.End()

	due, err := d.mgr.Store().DueForRetry(ctx, d.mgr.Now(), d.cfg.BatchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("fetch due subscriptions: %w", err)
	}
	tracing.AddSpanEvent(ctx, "store.fetched_due", attribute.Int("due", len(due)))

	// high priority first; the store already ordered each tier by NextRetryAt
	sort.SliceStable(due, func(i, j int) bool {
		return d.mgr.Policy(due[i]).Priority.Rank() < d.mgr.Policy(due[j]).Priority.Rank()
	})

	var (
		mu   sync.Mutex
		res  Result
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range due {
		if ctx.Err() != nil || !d.acquire() {
			break
		}
		// g.Go may block for a free slot; Shutdown can begin meanwhile
		g.Go(func() error {
			defer d.inflight.Done()
			v, err := d.retryOne(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			res.add(v)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	took := time.Since(start)
	metrics.RecordProcessRun(res.Processed, res.Succeeded, res.Failed, res.DeadLettered, res.Skipped, took)
	span.SetAttributes(
		attribute.Int("processed", res.Processed),
		attribute.Int("succeeded", res.Succeeded),
		attribute.Int("failed", res.Failed),
		attribute.Int("dead_lettered", res.DeadLettered),
		attribute.Int("skipped", res.Skipped),
	)
	d.refreshGauges(ctx)

	d.log.WithContext(ctx).WithFields(map[string]any{
		"due":           len(due),
		"processed":     res.Processed,
		"succeeded":     res.Succeeded,
		"failed":        res.Failed,
		"dead_lettered": res.DeadLettered,
		"skipped":       res.Skipped,
		"took_ms":       took.Milliseconds(),
	}).Info("retry queue processed")

	err = errors.Join(errs...)
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return res, err
}

// retryOne claims sub and replays its pending event once
func (d *Dispatcher) retryOne(ctx context.Context, sub model.Subscription) (verdict, error) {
	if d.stopping.Load() {
		return verdictAbandoned, nil
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return verdictSkipped, nil
		}
	}

	claimed, err := d.mgr.Claim(ctx, sub, d.cfg.Lease)
	if errors.Is(err, store.ErrConflict) {
		return verdictSkipped, nil
	}
	if err != nil {
		return verdictSkipped, fmt.Errorf("claim %s: %w", sub.ID, err)
	}

	ctx, span := tracing.StartSpan(ctx, "dispatcher.retry",
		attribute.String("subscription_id", claimed.ID),
		attribute.String("tenant_id", claimed.TenantID),
		attribute.Int("attempt", claimed.Retry.Attempt),
	)
	defer span.End()

	req := delivery.Request{
		SubscriptionID: claimed.ID,
		TenantID:       claimed.TenantID,
		URL:            claimed.URL,
		Payload:        claimed.Retry.LastPayload,
		Secret:         claimed.Secret,
		EventName:      claimed.Retry.LastEvent,
		Attempt:        claimed.Retry.Attempt,
	}
	return d.attemptAndApply(ctx, claimed, req)
}

// attemptAndApply runs the attempt on a context detached from cancellation, so a
// shutdown lets it finish within the executor's timeout, then records the outcome.
func (d *Dispatcher) attemptAndApply(ctx context.Context, sub model.Subscription, req delivery.Request) (verdict, error) {
	ctx = context.WithoutCancel(ctx)
	policy := d.mgr.Policy(sub)

	outcome := d.exec.Attempt(ctx, req)
	v, err := d.apply(ctx, sub, req, policy, outcome)
	if errors.Is(err, store.ErrConflict) {
		d.log.WithContext(ctx).WithTenant(sub.TenantID).WithSubscription(sub.ID).WithAttempt(req.Attempt).
			Warn("lease lost before the outcome was recorded")
		return verdictSkipped, nil
	}
	return v, err
}

// apply maps an outcome onto the matching state transition
func (d *Dispatcher) apply(ctx context.Context, sub model.Subscription, req delivery.Request, policy model.RetryPolicy, outcome delivery.Outcome) (verdict, error) {
	entry := func() *logging.LogEntry {
		return d.log.WithContext(ctx).WithTenant(sub.TenantID).WithSubscription(sub.ID).
			WithEvent(req.EventName).WithAttempt(req.Attempt)
	}

	switch o := outcome.(type) {
	case delivery.Success:
		metrics.RecordAttempt("success", "", o.Latency)
		if _, err := d.mgr.RecordSuccess(ctx, sub); err != nil {
			return verdictSkipped, err
		}
		entry().WithField("status", o.StatusCode).WithField("latency_ms", o.Latency.Milliseconds()).Info("delivered")
		return verdictSucceeded, nil

	case delivery.RetriableFailure:
		metrics.RecordAttempt("failure", o.Reason, o.Latency)
		next := req.Attempt + 1
		if next < policy.MaxRetries {
			scheduled, err := d.mgr.ScheduleRetry(ctx, sub, next, policy, o)
			if err != nil {
				return verdictSkipped, err
			}
			entry().WithError(o).WithFields(map[string]any{
				"reason":        o.Reason,
				"status":        o.StatusCode,
				"delay_ms":      scheduled.Retry.Delay.Milliseconds(),
				"next_retry_at": scheduled.Retry.NextRetryAt,
			}).Warn("delivery failed, retry scheduled")
			return verdictRetrying, nil
		}

		_, applied, err := d.mgr.RecordDeadLetter(ctx, sub, o)
		if err != nil {
			return verdictSkipped, err
		}
		if applied {
			entry().WithError(o).WithField("reason", o.Reason).WithField("max_retries", policy.MaxRetries).
				Error("retry budget exhausted, subscription dead-lettered")
			d.publishDeadLetter(ctx, req, next, o, policy)
		}
		return verdictDeadLettered, nil

	default:
		return verdictSkipped, fmt.Errorf("unknown delivery outcome %T", outcome)
	}
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, req delivery.Request, attempts int, f delivery.RetriableFailure, policy model.RetryPolicy) {
	if d.dlq == nil {
		return
	}
	dl := delivery.NewDeadLetter(req, attempts, f, fmt.Sprintf("max retries reached (%d)", policy.MaxRetries))
	if err := d.dlq.Publish(ctx, dl); err != nil {
		d.log.WithContext(ctx).WithSubscription(req.SubscriptionID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("dead_letter_id", dl.ID))
}

// Deliver makes the first attempt for a new event. The attempt number is the
// subscription's current failure count, so a pending retry sequence continues
// with the newest payload. The task must name the subscription's own tenant;
// URL and secret always come from the stored subscription.
func (d *Dispatcher) Deliver(ctx context.Context, task delivery.Task) (delivery.Outcome, error) {
	if !d.acquire() {
		return nil, ErrStopped
	}
	defer d.inflight.Done()

	ctx, span := tracing.StartSpan(ctx, "dispatcher.deliver",
		attribute.String("subscription_id", task.SubscriptionID),
		attribute.String("tenant_id", task.TenantID),
		attribute.String("event_name", task.EventName),
	)
	defer span.End()

	sub, err := d.mgr.Store().Get(ctx, task.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if task.TenantID != sub.TenantID {
		return nil, ErrIneligible
	}
	if !sub.Subscribed(task.EventName) {
		return nil, ErrNotSubscribed
	}
	if !sub.Eligible(d.mgr.Defaults()) {
		return nil, ErrIneligible
	}
	if sub.Retry.Claimed(d.mgr.Now()) {
		return nil, ErrBusy
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	begun, err := d.mgr.Begin(ctx, sub, task, d.cfg.Lease)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}

	req := delivery.Request{
		SubscriptionID: begun.ID,
		TenantID:       begun.TenantID,
		URL:            begun.URL,
		Payload:        task.Payload,
		Secret:         begun.Secret,
		EventName:      task.EventName,
		Attempt:        begun.FailureCount,
	}

	ctx = context.WithoutCancel(ctx)
	outcome := d.exec.Attempt(ctx, req)
	if _, err := d.apply(ctx, begun, req, d.mgr.Policy(begun), outcome); err != nil && !errors.Is(err, store.ErrConflict) {
		return outcome, err
	}
	return outcome, nil
}

func (d *Dispatcher) refreshGauges(ctx context.Context) {
	st, err := d.mgr.Store().Stats(ctx, "", d.mgr.Now())
	if err != nil {
		d.log.WithContext(ctx).WithError(err).Warn("queue stats refresh failed")
		return
	}
	metrics.UpdateQueueGauges(st)
}

// Run drives ProcessRetryQueue from an internal ticker until ctx is done.
// Deployments with an external scheduler leave this off.
func (d *Dispatcher) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessRetryQueue(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				d.log.WithContext(ctx).WithError(err).Error("scheduled retry scan failed")
			}
		}
	}
}

// Shutdown stops new pickups and waits for in-flight attempts, or for ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping.Store(true)
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
