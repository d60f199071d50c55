package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/austindbirch/harbor_retry/internal/auth"
	"github.com/austindbirch/harbor_retry/internal/logging"
)

func newTestIssuer(t *testing.T) (*issuer, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &issuer{signer: auth.NewSigner(key, keyID, "iss", "aud"), log: logging.New("token-issuer-test")}, key
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	der, _ := x509.MarshalPKCS8PrivateKey(key)
	pkcs8 := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	tests := []struct {
		name          string
		pem           string
		wantGenerated bool
		wantErr       bool
	}{
		{"generate", "", true, false},
		{"pkcs1", pkcs1, false, false},
		{"pkcs8", pkcs8, false, false},
		{"garbage", "nope", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, generated, err := loadKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if generated != tt.wantGenerated {
				t.Errorf("generated = %v, want %v", generated, tt.wantGenerated)
			}
			if !tt.wantGenerated && k.N.Cmp(key.N) != 0 {
				t.Errorf("loadKey() returned a different key")
			}
		})
	}
}

func TestTokenHandler(t *testing.T) {
	is, key := newTestIssuer(t)
	v := auth.NewJWTValidatorFromKey(&key.PublicKey, "iss", "aud")

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantRole string
	}{
		{"tenant token", `{"tenant_id":"tn_1"}`, http.StatusOK, auth.RoleTenant},
		{"admin token", `{"role":"admin","ttl_seconds":60}`, http.StatusOK, auth.RoleAdmin},
		{"tenant without tenant id", `{}`, http.StatusBadRequest, ""},
		{"unknown role", `{"tenant_id":"tn_1","role":"root"}`, http.StatusBadRequest, ""},
		{"ttl too long", `{"tenant_id":"tn_1","ttl_seconds":999999}`, http.StatusBadRequest, ""},
		{"invalid json", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			is.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body)))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp tokenResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.TokenType != "Bearer" || resp.ExpiresIn <= 0 {
				t.Errorf("response = %+v", resp)
			}
			c, err := v.ValidateToken(resp.Token)
			if err != nil {
				t.Fatalf("issued token does not validate: %v", err)
			}
			if c.Role != tt.wantRole {
				t.Errorf("role = %q, want %q", c.Role, tt.wantRole)
			}
		})
	}
}

func TestJWKSHandler(t *testing.T) {
	is, key := newTestIssuer(t)
	rr := httptest.NewRecorder()
	is.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	pub, err := auth.ParseJWKS(rr.Body, keyID)
	if err != nil {
		t.Fatal(err)
	}
	if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Errorf("jwks key does not match signing key")
	}
}
