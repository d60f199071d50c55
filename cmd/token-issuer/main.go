package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/config"
	"github.com/austindbirch/harbor_retry/internal/logging"
)

const (
	keyID      = "harborretry-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// loadKey parses a PKCS1 or PKCS8 PEM private key, generating one when pemKey is empty
func loadKey(pemKey string) (*rsa.PrivateKey, bool, error) {
	if pemKey == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		return k, true, err
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %v", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return k, false, nil
}

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`        // tenant (default) or admin
	TTL      int    `json:"ttl_seconds,omitempty"` // defaults to 1 hour
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

type issuer struct {
	signer *auth.Signer
	log    *logging.Logger
}

func (is *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.handleJWKS)
	mux.HandleFunc("POST /token", is.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func (is *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(is.signer.PublicKey(), keyID)}})
}

func (is *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleTenant
	}
	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		http.Error(w, "ttl_seconds exceeds 24h", http.StatusBadRequest)
		return
	}

	tok, err := is.signer.Issue(req.TenantID, req.Role, ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	is.log.Plain().WithTenant(req.TenantID).WithField("role", req.Role).WithField("ttl", ttl.String()).Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: tok, ExpiresIn: int(ttl.Seconds()), TokenType: "Bearer"})
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("token-issuer")
	logger := logging.New("token-issuer")

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key failed")
	}
	if generated {
		logger.Plain().Warn("Generated new RSA key pair for JWT signing")
	}

	is := &issuer{signer: auth.NewSigner(key, keyID, cfg.Admin.JWTIssuer, cfg.Admin.JWTAudience), log: logger}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithField("addr", ":"+port).Info("token issuer starting")
	srv := &http.Server{Addr: ":" + port, Handler: is.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
