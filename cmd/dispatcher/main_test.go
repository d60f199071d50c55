package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/store"
)

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"memory", config.Config{Dispatcher: config.Dispatcher{StoreBackend: "memory"}}, false},
		{"redis with bad url", config.Config{Dispatcher: config.Dispatcher{StoreBackend: "redis"}, Redis: config.Redis{URL: "http://nope"}}, true},
		{"unknown backend", config.Config{Dispatcher: config.Dispatcher{StoreBackend: "etcd"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, closeFn, err := openStore(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("openStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer closeFn()
			if _, ok := st.(*store.Memory); !ok {
				t.Errorf("openStore() = %T, want *store.Memory", st)
			}
		})
	}
}

func TestBuildValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(&key.PublicKey, "k1")}})
	}))
	defer jwks.Close()

	tests := []struct {
		name    string
		admin   config.Admin
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", admin: config.Admin{}, wantNil: true},
		{name: "pem key", admin: config.Admin{JWTPublicKeyPEM: pemKey, JWTIssuer: "iss", JWTAudience: "aud"}},
		{name: "bad pem", admin: config.Admin{JWTPublicKeyPEM: "nope"}, wantErr: true},
		{name: "jwks url", admin: config.Admin{JWKSURL: jwks.URL, JWTIssuer: "iss", JWTAudience: "aud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := buildValidator(context.Background(), tt.admin)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (v == nil) != tt.wantNil {
				t.Fatalf("buildValidator() nil = %v, want %v", v == nil, tt.wantNil)
			}
			if v == nil {
				return
			}
			tok, err := auth.NewSigner(key, "k1", "iss", "aud").Issue("", auth.RoleAdmin, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := v.ValidateToken(tok); err != nil {
				t.Errorf("ValidateToken() error: %v", err)
			}
		})
	}
}

type flakyPinger struct{ err error }

func (f *flakyPinger) Ping(context.Context) error { return f.err }

func TestWatchHealth(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{"store up", nil, healthpb.HealthCheckResponse_SERVING},
		{"store down", errors.New("connection refused"), healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := grpc_health.NewServer()
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				watchHealth(ctx, hs, &flakyPinger{err: tt.err}, "memory", time.Hour)
				close(done)
			}()

			deadline := time.Now().Add(2 * time.Second)
			for {
				resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
				if err == nil && resp.Status == tt.want {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("health status never became %v (last: %v, %v)", tt.want, resp, err)
				}
				time.Sleep(10 * time.Millisecond)
			}
			cancel()
			<-done
		})
	}
}
