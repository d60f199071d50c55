package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_retry/internal/admin"
	"github.com/austindbirch/harbor_retry/internal/dispatcher"
)

func newStatsCmd(o *options) *cobra.Command {
	var (
		tenantID string
		watch    bool
		interval time.Duration
		count    int
	)
	c := &cobra.Command{
		Use:   "stats",
		Short: "Show retry queue statistics",
		Long: `Show how many subscriptions are waiting for a retry, how many are dead-lettered
and the average retry delay. Without --tenant the numbers cover every tenant.`,
		Example: `  retryctl stats
  retryctl stats --tenant tn_123 -o json
  retryctl stats --watch --interval 10s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch {
				return o.watchStats(cmd, tenantID, interval, count)
			}
			path := "/v1/retry-queue/stats"
			if tenantID != "" {
				path += "?tenant_id=" + url.QueryEscape(tenantID)
			}
			var st admin.StatsResponse
			if err := o.call(cmd.Context(), http.MethodGet, path, nil, &st); err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), st, func(w io.Writer) { printStats(w, st) })
		},
	}
	c.Flags().StringVar(&tenantID, "tenant", "", "limit statistics to one tenant")
	c.Flags().BoolVarP(&watch, "watch", "w", false, "stream updates from the dispatcher")
	c.Flags().DurationVar(&interval, "interval", 5*time.Second, "update interval with --watch")
	c.Flags().IntVar(&count, "count", 0, "stop after this many updates with --watch (0 runs until interrupted)")
	return c
}

func printStats(w io.Writer, st admin.StatsResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	scope := st.TenantID
	if scope == "" {
		scope = "(all)"
	}
	fmt.Fprintln(tw, "TENANT\tQUEUED\tPROCESSING\tDEAD-LETTERED\tAVG DELAY")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", scope, st.Queued, st.Processing, st.DeadLettered,
		time.Duration(st.AvgRetryDelayMS)*time.Millisecond)
	_ = tw.Flush()
}

// streamURL turns the admin base URL into the websocket stats stream URL
func (o *options) streamURL(tenantID string, interval time.Duration) string {
	base := o.server
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("interval", interval.String())
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	return base + "/v1/retry-queue/stats/stream?" + q.Encode()
}

func (o *options) watchStats(cmd *cobra.Command, tenantID string, interval time.Duration, count int) error {
	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: o.timeout}
	conn, resp, err := dialer.DialContext(cmd.Context(), o.streamURL(tenantID, interval), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stats stream: %s", resp.Status)
		}
		return fmt.Errorf("stats stream: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	out := cmd.OutOrStdout()
	for n := 0; count == 0 || n < count; n++ {
		var st admin.StatsResponse
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("stats stream: %w", err)
		}
		if err := o.print(out, st, func(w io.Writer) { printStats(w, st) }); err != nil {
			return err
		}
	}
	return nil
}

func newProcessCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one retry queue scan now",
		Long: `Ask the dispatcher to claim and attempt every subscription whose retry is due,
instead of waiting for the next scheduled scan. Requires an admin token when
auth is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res dispatcher.Result
			if err := o.call(cmd.Context(), http.MethodPost, "/v1/retry-queue/process", nil, &res); err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PROCESSED\tSUCCEEDED\tFAILED\tDEAD-LETTERED\tSKIPPED")
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", res.Processed, res.Succeeded, res.Failed, res.DeadLettered, res.Skipped)
				_ = tw.Flush()
			})
		},
	}
}
