// Package idp runs a fake identity provider for tests: one RSA key
// published as a JWKS document for both user pools, and helpers that mint
// Cognito-style customer and staff access tokens.
package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/realmgate/internal/testutil/fixtures"
	"github.com/StricklySoft/realmgate/pkg/auth"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// Key returns the process-wide signing key. Generating RSA keys is slow,
// so every provider shares one.
func Key() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

// Provider serves /customer/jwks.json and /staff/jwks.json.
type Provider struct {
	Server  *httptest.Server
	fetches atomic.Int64
}

// New starts a provider that is closed with the test.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{}
	doc := jwksDocument()
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, _ *http.Request) {
		p.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}
	mux.HandleFunc("/customer/jwks.json", serve)
	mux.HandleFunc("/staff/jwks.json", serve)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Fetches returns how many key set requests the provider has answered.
func (p *Provider) Fetches() int64 { return p.fetches.Load() }

// AuthConfig returns a gateway auth config pointing at the provider.
func (p *Provider) AuthConfig() auth.Config {
	cfg := auth.DefaultConfig()
	cfg.Customer = auth.RealmConfig{
		Issuer:   fixtures.CustomerIssuer,
		Audience: fixtures.CustomerAudience,
		JWKSURL:  p.Server.URL + "/customer/jwks.json",
	}
	cfg.Staff = auth.RealmConfig{
		Issuer:   fixtures.StaffIssuer,
		Audience: fixtures.StaffAudience,
		JWKSURL:  p.Server.URL + "/staff/jwks.json",
	}
	return cfg
}

func jwksDocument() []byte {
	pub := Key().PublicKey
	doc := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": fixtures.KeyID,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// Sign signs claims with the provider key.
func Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = fixtures.KeyID
	s, err := tok.SignedString(Key())
	require.NoError(t, err)
	return s
}

// CustomerClaims returns a customer access token payload issued a minute
// ago. An empty tier omits the claim.
func CustomerClaims(tier string) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss":       fixtures.CustomerIssuer,
		"sub":       fixtures.CustomerSubject,
		"client_id": fixtures.CustomerAudience,
		"token_use": "access",
		"email":     "buyer@example.com",
		"iat":       now.Add(-time.Minute).Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
	if tier != "" {
		c["custom:tier"] = tier
	}
	return c
}

// StaffClaims returns a staff access token payload issued a minute ago.
func StaffClaims(groups ...string) jwt.MapClaims {
	now := time.Now()
	gs := make([]any, len(groups))
	for i, g := range groups {
		gs[i] = g
	}
	return jwt.MapClaims{
		"iss":            fixtures.StaffIssuer,
		"sub":            fixtures.StaffSubject,
		"client_id":      fixtures.StaffAudience,
		"token_use":      "access",
		"email":          "ops@example.com",
		"cognito:groups": gs,
		"custom:team":    "trust-and-safety",
		"iat":            now.Add(-time.Minute).Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}
