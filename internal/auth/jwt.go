package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const claimsKey contextKey = "claims"

// Roles carried in the "role" claim
const (
	RoleAdmin  = "admin"  // every tenant
	RoleTenant = "tenant" // only the tenant_id claim
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Claims are the admin API token claims
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the token may act on tenantID. An empty tenantID
// means every tenant and needs the admin role.
func (c *Claims) CanAccess(tenantID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return tenantID != "" && c.Role == RoleTenant && c.TenantID == tenantID
}

// JWTValidator checks RS256 tokens against one public key, issuer and audience
type JWTValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// ParsePublicKeyPEM accepts PKCS1 and PKIX encoded RSA public keys.
func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorFromKey(pub, issuer, audience), nil
}

func NewJWTValidatorFromKey(pub *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{
		publicKey: pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// ValidateToken parses and verifies tokenString
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	switch claims.Role {
	case RoleAdmin:
	case RoleTenant:
		if claims.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant token without tenant_id", ErrUnauthenticated)
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return claims, nil
}

// HTTPMiddleware rejects requests without a valid bearer token. Paths in
// public pass through untouched.
func (v *JWTValidator) HTTPMiddleware(next http.Handler, public ...string) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// Authorize checks the request's claims against tenantID. Without claims in
// ctx (auth disabled) every tenant is allowed.
func Authorize(ctx context.Context, tenantID string) error {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil
	}
	if !c.CanAccess(tenantID) {
		return ErrForbidden
	}
	return nil
}

// Signer issues admin API tokens.
type Signer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

func NewSigner(key *rsa.PrivateKey, keyID, issuer, audience string) *Signer {
	return &Signer{key: key, keyID: keyID, issuer: issuer, audience: audience, now: time.Now}
}

// Issue signs a token for role, scoped to tenantID when role is RoleTenant
func (s *Signer) Issue(tenantID, role string, ttl time.Duration) (string, error) {
	if role != RoleAdmin && role != RoleTenant {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if role == RoleTenant && tenantID == "" {
		return "", fmt.Errorf("tenant_id is required for role %s", role)
	}
	now := s.now()
	subject := tenantID
	if role == RoleAdmin {
		subject = RoleAdmin
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJSONWebKey encodes pub as an RS256 signing key
func NewJSONWebKey(pub *rsa.PublicKey, kid string) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the key's modulus and exponent
func (k JSONWebKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("malformed RSA key %q", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// ParseJWKS returns the key with kid, or the first key when kid is empty.
func ParseJWKS(r io.Reader, kid string) (*rsa.PublicKey, error) {
	var jwks JSONWebKeySet
	if err := json.NewDecoder(r).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %v", err)
	}
	for _, k := range jwks.Keys {
		if kid == "" || k.Kid == kid {
			return k.RSAPublicKey()
		}
	}
	return nil, fmt.Errorf("no matching key in JWKS")
}

// FetchJWKS downloads a key set and returns its first key.
func FetchJWKS(ctx context.Context, jwksURL string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	return ParseJWKS(resp.Body, "")
}
