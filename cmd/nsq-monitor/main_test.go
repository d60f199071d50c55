package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_retry/internal/config"
)

var testNSQ = config.NSQ{DeliveriesTopic: "deliveries", DLQTopic: "deliveries_dlq", Channel: "dispatcher"}

func newTestMonitor(t *testing.T, status int, payload string) *monitor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return newMonitor(strings.TrimPrefix(srv.URL, "http://"), testNSQ, prometheus.NewRegistry())
}

func TestPoll(t *testing.T) {
	type label struct{ topic, channel string }

	tests := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantBacklog  float64
		wantDLQ      float64
		wantDepth    map[label]float64
		wantInflight map[label]float64
	}{
		{
			name: "deliveries and dlq topics",
			payload: `{"topics": [
				{"topic_name": "deliveries", "depth": 0, "channels": [
					{"channel_name": "dispatcher", "depth": 10, "in_flight_count": 4},
					{"channel_name": "audit", "depth": 3, "in_flight_count": 1}
				]},
				{"topic_name": "deliveries_dlq", "depth": 2, "channels": [
					{"channel_name": "replay", "depth": 5, "in_flight_count": 0}
				]},
				{"topic_name": "unrelated", "depth": 99, "channels": []}
			]}`,
			status:      http.StatusOK,
			wantBacklog: 10,
			wantDLQ:     7,
			wantDepth: map[label]float64{
				{"deliveries", "dispatcher"}: 10,
				{"deliveries", "audit"}:      3,
				{"deliveries_dlq", "replay"}: 5,
			},
			wantInflight: map[label]float64{
				{"deliveries", "dispatcher"}: 4,
				{"deliveries", "audit"}:      1,
			},
		},
		{
			name: "dlq without consumers counts topic depth",
			payload: `{"topics": [
				{"topic_name": "deliveries_dlq", "depth": 4, "channels": []}
			]}`,
			status:  http.StatusOK,
			wantDLQ: 4,
		},
		{name: "invalid payload", payload: `invalid-json`, status: http.StatusOK, wantErr: true},
		{name: "nsqd error", payload: `{}`, status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t, tt.status, tt.payload)
			err := m.poll(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("poll() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := testutil.ToFloat64(m.triggerBacklog); got != tt.wantBacklog {
				t.Errorf("trigger backlog = %v, want %v", got, tt.wantBacklog)
			}
			if got := testutil.ToFloat64(m.dlqDepth); got != tt.wantDLQ {
				t.Errorf("dlq depth = %v, want %v", got, tt.wantDLQ)
			}
			for l, want := range tt.wantDepth {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(l.topic, l.channel)); got != want {
					t.Errorf("depth %v = %v, want %v", l, got, want)
				}
			}
			for l, want := range tt.wantInflight {
				if got := testutil.ToFloat64(m.channelInflight.WithLabelValues(l.topic, l.channel)); got != want {
					t.Errorf("inflight %v = %v, want %v", l, got, want)
				}
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newTestMonitor(t, http.StatusOK, `{"topics": []}`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
}

func TestGetEnv(t *testing.T) {
	t.Setenv("NSQ_MONITOR_TEST", "x")
	if got := getEnv("NSQ_MONITOR_TEST", "d"); got != "x" {
		t.Errorf("getEnv() = %q", got)
	}
	if got := getEnv("NSQ_MONITOR_UNSET", "d"); got != "d" {
		t.Errorf("getEnv() default = %q", got)
	}
	t.Setenv("NSQ_MONITOR_INT", "nope")
	if got := getEnvInt("NSQ_MONITOR_INT", 15); got != 15 {
		t.Errorf("getEnvInt() with bad value = %d", got)
	}
}
