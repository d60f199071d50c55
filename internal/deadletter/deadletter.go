package deadletter

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/retry"
	"github.com/austindbirch/harbor_retry/internal/tracing"
)

var (
	ErrNotDeadLettered     = errors.New("subscription is not dead-lettered")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Service exposes the operator side of the retry queue: stats, registration
// and manual reactivation.
type Service struct {
	mgr *retry.Manager
	log *logging.Logger
}

func NewService(mgr *retry.Manager) *Service {
	return &Service{mgr: mgr, log: logging.New("deadletter")}
}

// GetRetryQueueStats summarises the queue for tenantID, or across all tenants
// when tenantID is empty. The global view also refreshes the queue gauges.
func (s *Service) GetRetryQueueStats(ctx context.Context, tenantID string) (model.QueueStats, error) {
	ctx, span := tracing.StartSpan(ctx, "deadletter.queue_stats", attribute.String("tenant_id", tenantID))
	defer span.End()

	st, err := s.mgr.Store().Stats(ctx, tenantID, s.mgr.Now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return model.QueueStats{}, fmt.Errorf("retry queue stats: %w", err)
	}
	if tenantID == "" {
		metrics.UpdateQueueGauges(st)
	}
	return st, nil
}

// Subscription looks up one subscription for inspection.
func (s *Service) Subscription(ctx context.Context, id string) (model.Subscription, error) {
	return s.mgr.Store().Get(ctx, id)
}

// Registration is a tenant's request for a new webhook subscription.
type Registration struct {
	TenantID string             `json:"tenant_id"`
	URL      string             `json:"url"`
	Events   []string           `json:"events,omitempty"`
	Secret   string             `json:"secret,omitempty"`
	Policy   *model.RetryPolicy `json:"policy,omitempty"`
}

// generateSecret returns n random bytes, base64url encoded
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (reg Registration) validate() error {
	if reg.TenantID == "" || reg.URL == "" {
		return fmt.Errorf("%w: tenant_id and url are required", ErrInvalidSubscription)
	}
	u, err := url.ParseRequestURI(reg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidSubscription)
	}
	if reg.Policy != nil {
		return reg.Policy.Validate()
	}
	return nil
}

// Register creates an active subscription. When reg.Secret is empty a
// 256-bit secret is generated; the returned subscription is the only place
// it is ever shown.
func (s *Service) Register(ctx context.Context, reg Registration) (model.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "deadletter.register", attribute.String("tenant_id", reg.TenantID))
	defer span.End()

	if err := reg.validate(); err != nil {
		return model.Subscription{}, err
	}
	secret := reg.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(32); err != nil {
			return model.Subscription{}, fmt.Errorf("generate secret: %w", err)
		}
	}
	var events []string
	for _, e := range reg.Events {
		if e = strings.TrimSpace(e); e != "" {
			events = append(events, e)
		}
	}

	sub, err := s.mgr.Store().Create(ctx, model.Subscription{
		TenantID: reg.TenantID,
		URL:      reg.URL,
		Events:   events,
		Active:   true,
		Secret:   secret,
		Policy:   reg.Policy,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return model.Subscription{}, fmt.Errorf("register subscription: %w", err)
	}
	s.log.WithContext(ctx).WithTenant(sub.TenantID).WithSubscription(sub.ID).
		WithField("events", len(events)).Info("subscription registered")
	return sub, nil
}

// Reactivate returns a dead-lettered subscription to service with a clean failure history.
func (s *Service) Reactivate(ctx context.Context, id string) (model.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "deadletter.reactivate", attribute.String("subscription_id", id))
	defer span.End()

	sub, err := s.mgr.Store().Get(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if !sub.Retry.DeadLettered && sub.Active {
		return sub, ErrNotDeadLettered
	}
	out, err := s.mgr.Reactivate(ctx, sub)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return model.Subscription{}, err
	}
	s.log.WithContext(ctx).WithTenant(out.TenantID).WithSubscription(out.ID).
		WithField("previous_failures", sub.FailureCount).Info("subscription reactivated")
	return out, nil
}

// Producer is the part of *nsq.Producer the publisher needs.
type Producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes dead-letter envelopes to an NSQ topic.
type NSQPublisher struct {
	producer Producer
	topic    string
	log      *logging.Logger
}

// NewNSQPublisher connects a producer to nsqdAddr.
func NewNSQPublisher(nsqdAddr, topic string) (*NSQPublisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for dlq: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return NewPublisher(p, topic), nil
}

func NewPublisher(p Producer, topic string) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic, log: logging.New("deadletter")}
}

func (p *NSQPublisher) Publish(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dlq envelope to %s: %w", p.topic, err)
	}
	p.log.WithContext(ctx).WithTenant(dl.TenantID).WithSubscription(dl.SubscriptionID).
		WithField("topic", p.topic).Info("dlq published")
	return nil
}

func (p *NSQPublisher) Stop() { p.producer.Stop() }
