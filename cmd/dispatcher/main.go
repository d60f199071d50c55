package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_retry/internal/admin"
	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/db"
	"github.com/austindbirch/harbor_retry/internal/deadletter"
	"github.com/austindbirch/harbor_retry/internal/delivery"
	"github.com/austindbirch/harbor_retry/internal/dispatcher"
	"github.com/austindbirch/harbor_retry/internal/health"
	"github.com/austindbirch/harbor_retry/internal/logging"
	"github.com/austindbirch/harbor_retry/internal/metrics"
	"github.com/austindbirch/harbor_retry/internal/retry"
	"github.com/austindbirch/harbor_retry/internal/store"
	"github.com/austindbirch/harbor_retry/internal/tracing"
	"github.com/austindbirch/harbor_retry/internal/trigger"
)

const (
	serviceName     = "harborretry-dispatcher"
	shutdownTimeout = 30 * time.Second
	healthInterval  = 10 * time.Second
)

// openStore connects the configured backend; the returned func releases it
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Dispatcher.StoreBackend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		r, err := store.NewRedisFromURL(cfg.Redis.URL, cfg.AppName+":")
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		sqlDB := db.OpenSQL(pool)
		if err := db.Migrate(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgres(sqlDB), func() { _ = sqlDB.Close(); pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Dispatcher.StoreBackend)
	}
}

// buildValidator returns nil when admin auth is not configured
func buildValidator(ctx context.Context, a config.Admin) (*auth.JWTValidator, error) {
	switch {
	case a.JWTPublicKeyPEM != "":
		return auth.NewJWTValidator(a.JWTPublicKeyPEM, a.JWTIssuer, a.JWTAudience)
	case a.JWKSURL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pub, err := auth.FetchJWKS(ctx, a.JWKSURL)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(pub, a.JWTIssuer, a.JWTAudience), nil
	default:
		return nil, nil
	}
}

// watchHealth mirrors the store's reachability into the gRPC health service
func watchHealth(ctx context.Context, hs *grpc_health.Server, p health.Pinger, backend string, every time.Duration) {
	set := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if !health.Check(ctx, p, backend).OK {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}
	set()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set()
		}
	}
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("backend", cfg.Dispatcher.StoreBackend).Fatal("store connect failed")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var dlq dispatcher.DeadLetterPublisher
	if cfg.NSQ.PublishDLQ {
		pub, err := deadletter.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer pub.Stop()
		dlq = pub
	}

	mgr := retry.NewManager(st, cfg.Retry)
	d := dispatcher.New(mgr, delivery.NewExecutor(cfg.Dispatcher.HTTPTimeout), dlq, dispatcher.Config{
		BatchSize:   cfg.Dispatcher.BatchSize,
		Concurrency: cfg.Dispatcher.Concurrency,
		Lease:       cfg.Dispatcher.Lease(),
		RateLimit:   cfg.Dispatcher.RateLimit,
	})

	validator, err := buildValidator(ctx, cfg.Admin)
	if err != nil {
		logger.Plain().WithError(err).Fatal("admin auth setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("admin API running without authentication")
	}

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go watchHealth(ctx, hs, st, cfg.Dispatcher.StoreBackend, healthInterval)

	lis, err := net.Listen("tcp", cfg.Dispatcher.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Dispatcher.GRPCPort).Info("dispatcher gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	// admin HTTP
	adminSrv := admin.NewServer(admin.Options{
		DeadLetters: deadletter.NewService(mgr),
		Processor:   d,
		Store:       st,
		Backend:     cfg.Dispatcher.StoreBackend,
		Gatherer:    reg,
		Validator:   validator,
	})
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: adminSrv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// NSQ trigger consumer
	var consumer *nsq.Consumer
	if cfg.NSQ.ConsumeTriggers {
		consumer, err = trigger.Consumer(cfg.NSQ, trigger.NewHandler(d, trigger.DefaultRequeueDelay), cfg.Dispatcher.Concurrency)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		if err := trigger.Connect(consumer, cfg.NSQ); err != nil {
			logger.Plain().WithError(err).Fatal("nsq connect failed")
		}
	}

	if cfg.Dispatcher.ScanInterval > 0 {
		go d.Run(ctx, cfg.Dispatcher.ScanInterval)
	}

	logger.Plain().WithFields(map[string]any{
		"store":         cfg.Dispatcher.StoreBackend,
		"batch_size":    cfg.Dispatcher.BatchSize,
		"concurrency":   cfg.Dispatcher.Concurrency,
		"lease":         cfg.Dispatcher.Lease().String(),
		"scan_interval": cfg.Dispatcher.ScanInterval.String(),
	}).Info("dispatcher service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := d.Shutdown(sctx); err != nil {
		logger.Plain().WithError(err).Warn("in-flight attempts did not finish before the deadline")
	}
	hs.Shutdown()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(sctx)
	logger.Plain().Info("dispatcher service stopped")
}
