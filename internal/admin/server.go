package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/deadletter"
	"github.com/austindbirch/harbor_retry/internal/dispatcher"
	"github.com/austindbirch/harbor_retry/internal/health"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/model"
	"github.com/austindbirch/harbor_retry/internal/store"
)

const (
	DefaultStreamInterval = 5 * time.Second
	minStreamInterval     = time.Second
	maxBodyBytes          = 1 << 20
)

// Processor runs one retry scan. *dispatcher.Dispatcher satisfies it.
type Processor interface {
	ProcessRetryQueue(ctx context.Context) (dispatcher.Result, error)
}

type Options struct {
	DeadLetters *deadletter.Service
	Processor   Processor
	Store       health.Pinger
	Backend     string
	Gatherer    prometheus.Gatherer
	// Validator enables bearer-token auth on every route but /healthz and /metrics.
	Validator *auth.JWTValidator
}

// Server is the operator HTTP API of the dispatcher
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *logging.Logger
}

func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      logging.New("admin"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.HTTPHandler(s.opts.Store, s.opts.Backend))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/retry-queue/stats", s.handleStats)
	mux.HandleFunc("GET /v1/retry-queue/stats/stream", s.handleStatsStream)
	mux.HandleFunc("POST /v1/retry-queue/process", s.handleProcess)
	mux.HandleFunc("POST /v1/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("POST /v1/subscriptions/{id}/reactivate", s.handleReactivate)

	if s.opts.Validator == nil {
		return mux
	}
	return s.opts.Validator.HTTPMiddleware(mux, "/healthz", "/metrics")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, deadletter.ErrInvalidSubscription), errors.Is(err, model.ErrInvalidPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, deadletter.ErrNotDeadLettered), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, dispatcher.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("admin request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// StatsResponse is QueueStats with the average delay in milliseconds
type StatsResponse struct {
	TenantID        string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Queued          int    `json:"queued" yaml:"queued"`
	Processing      int    `json:"processing" yaml:"processing"`
	DeadLettered    int    `json:"dead_lettered" yaml:"dead_lettered"`
	AvgRetryDelayMS int64  `json:"avg_retry_delay_ms" yaml:"avg_retry_delay_ms"`
}

func NewStatsResponse(st model.QueueStats) StatsResponse {
	return StatsResponse{
		TenantID:        st.TenantID,
		Queued:          st.Queued,
		Processing:      st.Processing,
		DeadLettered:    st.DeadLettered,
		AvgRetryDelayMS: st.AvgRetryDelay.Milliseconds(),
	}
}

func (s *Server) stats(r *http.Request) (StatsResponse, error) {
	tenantID := r.URL.Query().Get("tenant_id")
	if err := auth.Authorize(r.Context(), tenantID); err != nil {
		return StatsResponse{}, err
	}
	st, err := s.opts.DeadLetters.GetRetryQueueStats(r.Context(), tenantID)
	if err != nil {
		return StatsResponse{}, err
	}
	return NewStatsResponse(st), nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, err := s.stats(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatsStream pushes stats over a websocket every interval until the client goes away
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	interval := DefaultStreamInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid interval: " + err.Error()})
			return
		}
		interval = max(d, minStreamInterval)
	}
	if err := auth.Authorize(r.Context(), r.URL.Query().Get("tenant_id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// the client sends nothing; reading only notices the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := s.stats(r)
		if err != nil {
			_ = conn.WriteJSON(errorBody{Error: err.Error()})
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Context(), ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.opts.Processor.ProcessRetryQueue(r.Context())
	if err != nil && res == (dispatcher.Result{}) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// partial run: report what happened alongside the error
		s.log.WithContext(r.Context()).WithError(err).Warn("retry scan finished with errors")
	}
	writeJSON(w, http.StatusOK, res)
}

// SubscriptionView is a subscription without its signing secret
type SubscriptionView struct {
	model.Subscription
	Secret string `json:"secret,omitempty"`
}

func redact(sub model.Subscription) SubscriptionView {
	return SubscriptionView{Subscription: sub}
}

func (s *Server) authorizedSubscription(r *http.Request) (model.Subscription, error) {
	sub, err := s.opts.DeadLetters.Subscription(r.Context(), r.PathValue("id"))
	if err != nil {
		return model.Subscription{}, err
	}
	if err := auth.Authorize(r.Context(), sub.TenantID); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// handleCreateSubscription registers a subscription. The response carries the
// signing secret; later reads are redacted.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var reg deadletter.Registration
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&reg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if reg.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant_id is required"})
		return
	}
	if err := auth.Authorize(r.Context(), reg.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.opts.DeadLetters.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.authorizedSubscription(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(sub))
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := s.authorizedSubscription(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.opts.DeadLetters.Reactivate(r.Context(), sub.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(out))
}

// parseInterval accepts a Go duration or a bare number of seconds
func parseInterval(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
