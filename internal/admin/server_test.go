package admin

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/deadletter"
	"github.com/austindbirch/harbor_retry/internal/dispatcher"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/retry"
	"github.com/austindbirch/harbor_retry/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	res   dispatcher.Result
	err   error
	calls int
}

func (f *fakeProcessor) ProcessRetryQueue(context.Context) (dispatcher.Result, error) {
	f.calls++
	return f.res, f.err
}

type fixture struct {
	mem  *store.Memory
	proc *fakeProcessor
	srv  *httptest.Server
}

func newFixture(t *testing.T, validator *auth.JWTValidator) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mgr := retry.NewManager(mem, model.DefaultPolicy(), retry.WithClock(func() time.Time { return testNow }))
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	f := &fixture{mem: mem, proc: &fakeProcessor{res: dispatcher.Result{Processed: 2, Succeeded: 1, Failed: 1}}}
	s := NewServer(Options{
		DeadLetters: deadletter.NewService(mgr),
		Processor:   f.proc,
		Store:       mem,
		Backend:     "memory",
		Gatherer:    reg,
		Validator:   validator,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)

	past := testNow.Add(-time.Second)
	for _, sub := range []model.Subscription{
		{ID: "q1", TenantID: "tn_1", Active: true, Secret: "k", FailureCount: 1,
			Retry: model.RetryState{Attempt: 1, NextRetryAt: &past, Delay: 1500 * time.Millisecond}},
		{ID: "d1", TenantID: "tn_1", Secret: "k", FailureCount: 5,
			Retry: model.RetryState{Attempt: 5, DeadLettered: true}},
		{ID: "d2", TenantID: "tn_2", Secret: "k", FailureCount: 5,
			Retry: model.RetryState{Attempt: 5, DeadLettered: true}},
		{ID: "ok", TenantID: "tn_1", Active: true, Secret: "k"},
	} {
		sub.URL = "https://example.com/hook"
		_, err := mem.Create(context.Background(), sub)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	assert.Contains(t, body.String(), "harborretry_avg_retry_delay_seconds")
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/retry-queue/stats?tenant_id=tn_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatsResponse{TenantID: "tn_1", Queued: 1, DeadLettered: 1, AvgRetryDelayMS: 1500}, decode[StatsResponse](t, resp))

	resp = f.do(t, http.MethodGet, "/v1/retry-queue/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatsResponse{Queued: 1, DeadLettered: 2, AvgRetryDelayMS: 1500}, decode[StatsResponse](t, resp))
}

func TestProcess(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/v1/retry-queue/process", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.proc.res, decode[dispatcher.Result](t, resp))
	assert.Equal(t, 1, f.proc.calls)

	resp = f.do(t, http.MethodGet, "/v1/retry-queue/process", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	f.proc.res, f.proc.err = dispatcher.Result{}, dispatcher.ErrStopped
	resp = f.do(t, http.MethodPost, "/v1/retry-queue/process", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// a partial run still reports its counts
	f.proc.res, f.proc.err = dispatcher.Result{Processed: 1, Succeeded: 1}, errors.New("claim sub_9: connection reset")
	resp = f.do(t, http.MethodPost, "/v1/retry-queue/process", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[dispatcher.Result](t, resp).Processed)
}

func TestSubscriptionRoutes(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/subscriptions/d1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "d1", raw["id"])
	assert.NotContains(t, raw, "secret")

	resp = f.do(t, http.MethodPost, "/v1/subscriptions/d1/reactivate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[model.Subscription](t, resp)
	assert.True(t, sub.Active)
	assert.Zero(t, sub.FailureCount)
	assert.False(t, sub.Retry.DeadLettered)

	resp = f.do(t, http.MethodPost, "/v1/subscriptions/ok/reactivate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/subscriptions/missing/reactivate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSubscription(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("generates a secret shown once", func(t *testing.T) {
		resp := f.doJSON(t, http.MethodPost, "/v1/subscriptions", "", deadletter.Registration{
			TenantID: "tn_3", URL: "https://example.com/in", Events: []string{"invoice.paid", " "},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		sub := decode[model.Subscription](t, resp)
		assert.NotEmpty(t, sub.ID)
		assert.True(t, sub.Active)
		assert.Equal(t, []string{"invoice.paid"}, sub.Events)
		require.NotEmpty(t, sub.Secret)

		stored, err := f.mem.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.Secret, stored.Secret)

		resp = f.do(t, http.MethodGet, "/v1/subscriptions/"+sub.ID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var raw map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		assert.NotContains(t, raw, "secret")
	})

	t.Run("keeps a supplied secret and policy", func(t *testing.T) {
		policy := model.RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: time.Minute,
			BackoffMultiplier: 3, Priority: model.PriorityHigh}
		resp := f.doJSON(t, http.MethodPost, "/v1/subscriptions", "", deadletter.Registration{
			TenantID: "tn_3", URL: "https://example.com/in", Secret: "s3cret", Policy: &policy,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		sub := decode[model.Subscription](t, resp)
		assert.Equal(t, "s3cret", sub.Secret)
		require.NotNil(t, sub.Policy)
		assert.Equal(t, policy, *sub.Policy)
	})

	tests := []struct {
		name string
		body any
	}{
		{"missing tenant", deadletter.Registration{URL: "https://example.com/in"}},
		{"missing url", deadletter.Registration{TenantID: "tn_3"}},
		{"relative url", deadletter.Registration{TenantID: "tn_3", URL: "/hook"}},
		{"non http url", deadletter.Registration{TenantID: "tn_3", URL: "ftp://example.com/in"}},
		{"invalid policy", deadletter.Registration{TenantID: "tn_3", URL: "https://example.com/in",
			Policy: &model.RetryPolicy{MaxRetries: 0, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2, Priority: model.PriorityLow}}},
		{"not json", "tenant=tn_3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.doJSON(t, http.MethodPost, "/v1/subscriptions", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := auth.NewSigner(key, "k1", "iss", "aud")
	f := newFixture(t, auth.NewJWTValidatorFromKey(&key.PublicKey, "iss", "aud"))

	tenantTok, err := signer.Issue("tn_1", auth.RoleTenant, time.Hour)
	require.NoError(t, err)
	adminTok, err := signer.Issue("", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
	}{
		{"health is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"stats need a token", http.MethodGet, "/v1/retry-queue/stats?tenant_id=tn_1", "", http.StatusUnauthorized},
		{"tenant reads own stats", http.MethodGet, "/v1/retry-queue/stats?tenant_id=tn_1", tenantTok, http.StatusOK},
		{"tenant cannot read other tenant", http.MethodGet, "/v1/retry-queue/stats?tenant_id=tn_2", tenantTok, http.StatusForbidden},
		{"tenant cannot read global stats", http.MethodGet, "/v1/retry-queue/stats", tenantTok, http.StatusForbidden},
		{"admin reads global stats", http.MethodGet, "/v1/retry-queue/stats", adminTok, http.StatusOK},
		{"tenant cannot trigger a scan", http.MethodPost, "/v1/retry-queue/process", tenantTok, http.StatusForbidden},
		{"admin triggers a scan", http.MethodPost, "/v1/retry-queue/process", adminTok, http.StatusOK},
		{"tenant cannot reactivate other tenant", http.MethodPost, "/v1/subscriptions/d2/reactivate", tenantTok, http.StatusForbidden},
		{"tenant reactivates own", http.MethodPost, "/v1/subscriptions/d1/reactivate", tenantTok, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.token)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}

	creates := []struct {
		name     string
		tenant   string
		token    string
		wantCode int
	}{
		{"create needs a token", "tn_1", "", http.StatusUnauthorized},
		{"tenant creates own", "tn_1", tenantTok, http.StatusCreated},
		{"tenant cannot create for other tenant", "tn_2", tenantTok, http.StatusForbidden},
		{"admin creates for any tenant", "tn_2", adminTok, http.StatusCreated},
	}
	for _, tt := range creates {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.doJSON(t, http.MethodPost, "/v1/subscriptions", tt.token,
				deadletter.Registration{TenantID: tt.tenant, URL: "https://example.com/in"})
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestStatsStream(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/retry-queue/stats/stream?tenant_id=tn_1&interval=1s"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first StatsResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, StatsResponse{TenantID: "tn_1", Queued: 1, DeadLettered: 1, AvgRetryDelayMS: 1500}, first)

	// the next push reflects a reactivation
	_, err = f.mem.Update(context.Background(), "d1", 1, model.StateUpdate{Active: true})
	require.NoError(t, err)
	var second StatsResponse
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, 0, second.DeadLettered)
}

func TestStatsStreamRejectsBadInterval(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/v1/retry-queue/stats/stream?interval=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseInterval(%q) = %v, %v", tt.in, got, err)
		}
	}
}
