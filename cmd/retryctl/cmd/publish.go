package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/tracing"
)

type publishFlags struct {
	nsqd           string
	topic          string
	subscriptionID string
	tenantID       string
	event          string
	payload        string
}

// buildTask validates the flags and assembles the trigger message
func buildTask(ctx context.Context, f publishFlags, now time.Time) (delivery.Task, error) {
	if f.subscriptionID == "" {
		return delivery.Task{}, errors.New("--subscription is required")
	}
	if f.tenantID == "" {
		return delivery.Task{}, errors.New("--tenant is required")
	}
	if f.event == "" {
		return delivery.Task{}, errors.New("--event is required")
	}
	if !json.Valid([]byte(f.payload)) {
		return delivery.Task{}, errors.New("--payload must be valid JSON")
	}
	return delivery.Task{
		SubscriptionID: f.subscriptionID,
		TenantID:       f.tenantID,
		EventName:      f.event,
		Payload:        json.RawMessage(f.payload),
		PublishedAt:    now.UTC().Format(time.RFC3339),
		TraceHeaders:   tracing.PropagateTraceToNSQ(ctx),
	}, nil
}

func newPublishCmd(o *options) *cobra.Command {
	f := publishFlags{}
	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish a delivery trigger for a subscription to NSQ",
		Long: `Publish a delivery task to the deliveries topic. The dispatcher's trigger
consumer attempts it right away and schedules retries on failure.`,
		Example: `  retryctl publish --subscription sub_123 --tenant tn_1 --event user.created --payload '{"id":"u_1"}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := buildTask(cmd.Context(), f, time.Now())
			if err != nil {
				return err
			}
			body, err := json.Marshal(task)
			if err != nil {
				return err
			}

			producer, err := nsq.NewProducer(f.nsqd, nsq.NewConfig())
			if err != nil {
				return fmt.Errorf("create NSQ producer: %w", err)
			}
			producer.SetLoggerLevel(nsq.LogLevelWarning)
			defer producer.Stop()

			if err := producer.Publish(f.topic, body); err != nil {
				return fmt.Errorf("publish to %s: %w", f.topic, err)
			}
			return o.print(cmd.OutOrStdout(), task, func(w io.Writer) {
				fmt.Fprintf(w, "published %s for subscription %s to %s\n", task.EventName, task.SubscriptionID, f.topic)
			})
		},
	}
	c.Flags().StringVar(&f.nsqd, "nsqd", envOr("NSQD_TCP_ADDR", "localhost:4150"), "nsqd TCP address")
	c.Flags().StringVar(&f.topic, "topic", envOr("NSQ_DELIVERIES_TOPIC", "deliveries"), "deliveries topic")
	c.Flags().StringVar(&f.subscriptionID, "subscription", "", "subscription ID")
	c.Flags().StringVar(&f.tenantID, "tenant", "", "tenant that owns the subscription")
	c.Flags().StringVar(&f.event, "event", "", "event name")
	c.Flags().StringVar(&f.payload, "payload", "{}", "JSON payload")
	return c
}

func newSignCmd(o *options) *cobra.Command {
	var secret, payload string
	c := &cobra.Command{
		Use:   "sign",
		Short: "Compute the X-Signature header for a payload",
		Long: `Print the HMAC-SHA256 signature the dispatcher sends with a delivery, so a
receiver's verification can be checked by hand. Use --payload - to read stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			body := []byte(payload)
			if payload == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = b
			}
			sig := delivery.Sign(secret, body)
			return o.print(cmd.OutOrStdout(), map[string]string{"header": delivery.SignatureHeader, "signature": sig}, func(w io.Writer) {
				fmt.Fprintln(w, sig)
			})
		},
	}
	c.Flags().StringVar(&secret, "secret", "", "subscription signing secret")
	c.Flags().StringVar(&payload, "payload", "", "payload to sign, or - for stdin")
	return c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
