package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/realmgate/pkg/policy"
)

// ===========================================================================
// Test helpers
// ===========================================================================

const (
	testCustomerIssuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_Customer"
	testStaffIssuer      = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_Staff"
	testCustomerAudience = "customer-web"
	testStaffAudience    = "staff-console"
	testKeyID            = "key-1"
)

// testNow is the fixed wall clock of every test in this package.
var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// testRSAKey is shared because 2048-bit generation dominates test time.
var testRSAKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate ECDSA key pair")
	return k
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeKeySource serves fixed key sets per issuer and counts fetches. When
// gate is set, every fetch blocks until it is closed.
type fakeKeySource struct {
	mu    sync.Mutex
	sets  map[string][][]SigningKey
	err   error
	gate  chan struct{}
	calls atomic.Int64
}

func newFakeKeySource() *fakeKeySource {
	return &fakeKeySource{sets: make(map[string][][]SigningKey)}
}

// publish appends a key set; successive fetches walk the list and then
// repeat the last entry.
func (s *fakeKeySource) publish(issuer string, keys ...SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[issuer] = append(s.sets[issuer], keys)
}

func (s *fakeKeySource) FetchKeySet(ctx context.Context, issuer string) ([]SigningKey, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sets := s.sets[issuer]
	if len(sets) == 0 {
		return nil, nil
	}
	idx := int(n - 1)
	if idx >= len(sets) {
		idx = len(sets) - 1
	}
	return sets[idx], nil
}

func rsaSigningKey(kid string) SigningKey {
	return SigningKey{KeyID: kid, Algorithm: "RS256", Public: &testRSAKey().PublicKey}
}

// testConfig returns a valid Config for the two test realms.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Customer = RealmConfig{Issuer: testCustomerIssuer, Audience: testCustomerAudience}
	cfg.Staff = RealmConfig{Issuer: testStaffIssuer, Audience: testStaffAudience}
	cfg.Keys.RotationRetryDelay = time.Millisecond
	return cfg
}

// signToken signs claims with key under kid using method.
func signToken(t *testing.T, method jwt.SigningMethod, key crypto.Signer, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return s
}

func signRS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return signToken(t, jwt.SigningMethodRS256, testRSAKey(), testKeyID, claims)
}

// customerClaims returns a Cognito-style customer access token payload.
func customerClaims(tier string) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":       testCustomerIssuer,
		"sub":       "cust-0001",
		"client_id": testCustomerAudience,
		"token_use": "access",
		"email":     "buyer@example.com",
		"iat":       testNow.Add(-10 * time.Minute).Unix(),
		"exp":       testNow.Add(50 * time.Minute).Unix(),
	}
	if tier != "" {
		c["custom:tier"] = tier
	}
	return c
}

// staffClaims returns a Cognito-style staff access token payload.
func staffClaims(groups ...string) jwt.MapClaims {
	gs := make([]any, len(groups))
	for i, g := range groups {
		gs[i] = g
	}
	return jwt.MapClaims{
		"iss":            testStaffIssuer,
		"sub":            "staff-0042",
		"client_id":      testStaffAudience,
		"token_use":      "access",
		"email":          "ops@example.com",
		"cognito:groups": gs,
		"custom:team":    "trust-and-safety",
		"iat":            testNow.Add(-30 * time.Minute).Unix(),
		"exp":            testNow.Add(30 * time.Minute).Unix(),
	}
}

// authzFixture wires an Authorizer to a fake key source.
type authzFixture struct {
	authz  *Authorizer
	source *fakeKeySource
	cache  *KeyCache
	clock  *testClock
}

func newAuthzFixture(t *testing.T, cfg Config, opts ...Option) *authzFixture {
	t.Helper()
	clock := newTestClock()
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	src.publish(testStaffIssuer, rsaSigningKey(testKeyID))

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	cache := NewKeyCache(src, cfg.Keys, []string{testCustomerIssuer, testStaffIssuer}, opts...)
	a, err := New(cfg, cache, policy.Default(), opts...)
	require.NoError(t, err)
	return &authzFixture{authz: a, source: src, cache: cache, clock: clock}
}
