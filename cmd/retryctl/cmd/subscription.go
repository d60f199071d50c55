package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_retry/internal/deadletter"
	"github.com/austindbirch/harbor_retry/internal/model"
)

func newSubscriptionCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Register, inspect and reactivate subscriptions",
	}
	c.AddCommand(
		newSubscriptionCreateCmd(o),
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show a subscription's retry state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.subscriptionRequest(cmd, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "reactivate <id>",
			Short: "Clear a dead-lettered subscription and make it deliverable again",
			Long: `Reactivate resets the failure count and retry state of a dead-lettered or
deactivated subscription. Failed deliveries are not replayed.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.subscriptionRequest(cmd, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(args[0])+"/reactivate")
			},
		},
	)
	return c
}

func newSubscriptionCreateCmd(o *options) *cobra.Command {
	var (
		events []string
		secret string
		policy = model.DefaultPolicy()
	)
	c := &cobra.Command{
		Use:   "create <tenant-id> <url>",
		Short: "Register a webhook subscription",
		Long: `Create an active subscription for a tenant. Without --secret the server
generates one; it is printed once and cannot be read back later.
Policy flags override the default retry policy for this subscription only.

Example:
  retryctl subscription create tn_123 https://example.com/webhook --events invoice.paid,invoice.failed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := deadletter.Registration{TenantID: args[0], URL: args[1], Events: events, Secret: secret}
			if policyFlagsChanged(cmd) {
				if err := policy.Validate(); err != nil {
					return err
				}
				reg.Policy = &policy
			}

			var sub model.Subscription
			if err := o.call(cmd.Context(), http.MethodPost, "/v1/subscriptions", reg, &sub); err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), sub, func(w io.Writer) {
				printSubscription(w, sub)
				fmt.Fprintf(w, "\nSigning secret (save it now, it will not be shown again):\n  %s\n", sub.Secret)
			})
		},
	}
	f := c.Flags()
	f.StringSliceVar(&events, "events", nil, "event types to deliver (default all)")
	f.StringVar(&secret, "secret", "", "signing secret (generated when empty)")
	f.IntVar(&policy.MaxRetries, "max-retries", policy.MaxRetries, "retries before dead-lettering")
	f.DurationVar(&policy.InitialDelay, "initial-delay", policy.InitialDelay, "delay before the first retry")
	f.DurationVar(&policy.MaxDelay, "max-delay", policy.MaxDelay, "upper bound on the retry delay")
	f.Float64Var(&policy.BackoffMultiplier, "multiplier", policy.BackoffMultiplier, "backoff multiplier")
	f.StringVar((*string)(&policy.Priority), "priority", string(policy.Priority), "scan priority: high, medium or low")
	return c
}

func policyFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"max-retries", "initial-delay", "max-delay", "multiplier", "priority"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func (o *options) subscriptionRequest(cmd *cobra.Command, method, path string) error {
	var sub model.Subscription
	if err := o.call(cmd.Context(), method, path, nil, &sub); err != nil {
		return err
	}
	return o.print(cmd.OutOrStdout(), sub, func(w io.Writer) { printSubscription(w, sub) })
}

func printSubscription(w io.Writer, sub model.Subscription) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s:\t%v\n", k, v) }
	row("ID", sub.ID)
	row("Tenant", sub.TenantID)
	row("URL", sub.URL)
	if len(sub.Events) > 0 {
		row("Events", strings.Join(sub.Events, ", "))
	}
	row("Active", sub.Active)
	row("Failures", sub.FailureCount)
	row("Dead-lettered", sub.Retry.DeadLettered)
	if sub.Retry.NextRetryAt != nil {
		row("Next retry", sub.Retry.NextRetryAt.Format(time.RFC3339))
		row("Delay", sub.Retry.Delay)
	}
	if sub.Retry.LastError != "" {
		row("Last error", sub.Retry.LastError)
	}
	_ = tw.Flush()
}
