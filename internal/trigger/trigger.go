package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/dispatcher"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/store"
	"github.com/austindbirch/harbor_retry/internal/tracing"
)

const DefaultRequeueDelay = 2 * time.Second

// Trigger outcomes, used as metric labels
const (
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDropped    = "dropped"
	StatusRequeued   = "requeued"
	StatusBadPayload = "bad_payload"
	StatusError      = "error"
)

// Deliverer makes the first attempt for a new event. *dispatcher.Dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, task delivery.Task) (delivery.Outcome, error)
}

// Handler turns "deliver this event" messages into first attempts. Retries are
// never left to NSQ: a failed attempt is scheduled in the store and the message
// is finished.
type Handler struct {
	d            Deliverer
	requeueDelay time.Duration
	log          *logging.Logger
}

func NewHandler(d Deliverer, requeueDelay time.Duration) *Handler {
	if requeueDelay <= 0 {
		requeueDelay = DefaultRequeueDelay
	}
	return &Handler{d: d, requeueDelay: requeueDelay, log: logging.New("trigger")}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.log.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil || t.SubscriptionID == "" {
		if err == nil {
			err = errors.New("task has no subscription_id")
		}
		h.log.Plain().WithError(err).Error("bad task payload")
		metrics.RecordTrigger(StatusBadPayload)
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), t.TraceHeaders)
	entry := h.log.WithContext(ctx).WithTenant(t.TenantID).WithSubscription(t.SubscriptionID).WithEvent(t.EventName)

	outcome, err := h.d.Deliver(ctx, t)
	switch {
	case err == nil:
		status := StatusFailed
		if _, ok := outcome.(delivery.Success); ok {
			status = StatusDelivered
		}
		metrics.RecordTrigger(status)
		m.Finish()

	case errors.Is(err, dispatcher.ErrBusy):
		entry.WithField("delay", h.requeueDelay.String()).Debug("attempt in flight, requeue trigger")
		metrics.RecordTrigger(StatusRequeued)
		m.Requeue(h.requeueDelay)

	case errors.Is(err, dispatcher.ErrStopped):
		metrics.RecordTrigger(StatusRequeued)
		m.RequeueWithoutBackoff(0)

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, dispatcher.ErrIneligible),
		errors.Is(err, dispatcher.ErrNotSubscribed):
		entry.WithError(err).Info("trigger dropped")
		metrics.RecordTrigger(StatusDropped)
		m.Finish()

	default:
		entry.WithError(err).Error("trigger failed, requeue")
		metrics.RecordTrigger(StatusError)
		m.Requeue(h.requeueDelay)
	}
	return nil
}

// Consumer subscribes h to the deliveries topic.
func Consumer(cfg config.NSQ, h nsq.Handler, maxInFlight int) (*nsq.Consumer, error) {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	c, err := nsq.NewConsumer(cfg.DeliveriesTopic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	c.SetLoggerLevel(nsq.LogLevelWarning)
	c.AddConcurrentHandlers(h, maxInFlight)
	return c, nil
}

// Connect attaches c to nsqd directly, which creates the channel eagerly, then to lookupd.
func Connect(c *nsq.Consumer, cfg config.NSQ) error {
	if err := c.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr == "" {
		return nil
	}
	if err := c.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}
	return nil
}
