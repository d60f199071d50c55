package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/logging"
)

// nsqStats is the subset of nsqd's /stats?format=json we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// monitor exports the trigger backlog and the dead-letter topic depth from nsqd
type monitor struct {
	statsURL string
	nsq      config.NSQ
	client   *http.Client
	log      *logging.Logger

	triggerBacklog  prometheus.Gauge
	dlqDepth        prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTPAddr string, cfg config.NSQ, reg prometheus.Registerer) *monitor {
	m := &monitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr),
		nsq:      cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logging.New("nsq-monitor"),
		triggerBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborretry_trigger_backlog",
			Help: "Delivery triggers waiting on the dispatcher's channel",
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborretry_dlq_topic_depth",
			Help: "Dead-letter envelopes not yet consumed from the DLQ topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborretry_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborretry_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.triggerBacklog, m.dlqDepth, m.channelDepth, m.channelInflight)
	return m
}

// poll reads nsqd stats once and updates the gauges
func (m *monitor) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %s", resp.Status)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case m.nsq.DeliveriesTopic:
			for _, ch := range topic.Channels {
				if ch.ChannelName == m.nsq.Channel {
					m.triggerBacklog.Set(float64(ch.Depth))
				}
				m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
				m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
			}
		case m.nsq.DLQTopic:
			// messages sit on the topic itself until a channel exists
			depth := topic.Depth
			for _, ch := range topic.Channels {
				depth += ch.Depth
				m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
				m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
			}
			m.dlqDepth.Set(float64(depth))
		}
	}
	return nil
}

func (m *monitor) run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := m.poll(ctx); err != nil {
			m.log.WithContext(ctx).WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func main() {
	cfg := config.FromEnv()
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	reg := prometheus.NewRegistry()
	m := newMonitor(nsqdHTTP, cfg.NSQ, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go m.run(ctx, interval)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.log.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     nsqdHTTP,
		"interval": interval.String(),
		"topics":   []string{cfg.NSQ.DeliveriesTopic, cfg.NSQ.DLQTopic},
	}).Info("nsq-monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.log.Plain().WithError(err).Fatal("nsq-monitor failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
