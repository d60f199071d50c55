package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/logging"
)

// receiver is a webhook endpoint for local testing: it checks X-Signature and
// fails the first N requests with a 500.
type receiver struct {
	cfg      config.FakeReceiver
	requests atomic.Int64
	accepted atomic.Int64
	log      *logging.Logger
}

func newReceiver(cfg config.FakeReceiver) *receiver {
	return &receiver{cfg: cfg, log: logging.New("fake-receiver")}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /stats", rc.handleStats)
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("POST /hook/{name}", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.requests.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := rc.log.Plain().WithFields(map[string]any{
		"path":    r.URL.Path,
		"event":   r.Header.Get(delivery.EventHeader),
		"attempt": r.Header.Get(delivery.AttemptHeader),
		"trace":   r.Header.Get(delivery.TraceHeader),
	})

	if rc.cfg.EndpointSecret != "" && !delivery.Verify(rc.cfg.EndpointSecret, b, r.Header.Get(delivery.SignatureHeader)) {
		entry.Warn("fake-receiver failed to verify signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		entry.WithField("body", truncate(string(b), 160)).Infof("FAILING (%d/%d)", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.accepted.Add(1)
	entry.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"requests": rc.requests.Load(),
		"accepted": rc.accepted.Load(),
	})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logging.SetDefaultService("fake-receiver")
	rc := newReceiver(cfg)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	rc.log.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rc.log.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
