package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// serveJWKS starts a server publishing the given keys and counting hits.
func serveJWKS(t *testing.T, rsaKeys map[string]*rsa.PublicKey, ecKeys map[string]*ecdsa.PublicKey) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	type jwkEntry struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Alg string `json:"alg,omitempty"`
		Use string `json:"use,omitempty"`
		N   string `json:"n,omitempty"`
		E   string `json:"e,omitempty"`
		Crv string `json:"crv,omitempty"`
		X   string `json:"x,omitempty"`
		Y   string `json:"y,omitempty"`
	}

	var keys []jwkEntry
	for kid, pub := range rsaKeys {
		keys = append(keys, jwkEntry{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	for kid, pub := range ecKeys {
		keys = append(keys, jwkEntry{
			Kty: "EC",
			Kid: kid,
			Crv: "P-256",
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
			Y:   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
		})
	}
	// Encryption keys and unknown key types are skipped.
	keys = append(keys, jwkEntry{Kty: "RSA", Kid: "enc-1", Use: "enc", N: "AQAB", E: "AQAB"})
	keys = append(keys, jwkEntry{Kty: "oct", Kid: "hmac-1"})

	doc, err := json.Marshal(map[string]any{"keys": keys})
	require.NoError(t, err, "failed to marshal JWKS")

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestJWKSSource_FetchKeySet(t *testing.T) {
	ec := newECKey(t)
	srv, hits := serveJWKS(t,
		map[string]*rsa.PublicKey{"rsa-1": &testRSAKey().PublicKey},
		map[string]*ecdsa.PublicKey{"ec-1": &ec.PublicKey},
	)
	src := NewJWKSSource(srv.Client(), map[string]string{testCustomerIssuer: srv.URL})

	keys, err := src.FetchKeySet(context.Background(), testCustomerIssuer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	byID := make(map[string]SigningKey)
	for _, k := range keys {
		byID[k.KeyID] = k
	}
	require.Len(t, byID, 2)
	assert.Equal(t, "RS256", byID["rsa-1"].Algorithm)
	assert.True(t, testRSAKey().PublicKey.Equal(byID["rsa-1"].Public))
	assert.True(t, ec.PublicKey.Equal(byID["ec-1"].Public))
	assert.False(t, byID["ec-1"].FetchedAt.IsZero())
}

func TestJWKSSource_UnknownIssuer(t *testing.T) {
	src := NewJWKSSource(nil, nil)
	_, err := src.FetchKeySet(context.Background(), "https://evil.example")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeInvalidIssuer))
}

func TestJWKSSource_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	src := NewJWKSSource(srv.Client(), map[string]string{testStaffIssuer: srv.URL})
	_, err := src.FetchKeySet(context.Background(), testStaffIssuer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestJWKSSource_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	t.Cleanup(srv.Close)

	src := NewJWKSSource(srv.Client(), map[string]string{testStaffIssuer: srv.URL})
	_, err := src.FetchKeySet(context.Background(), testStaffIssuer)
	require.Error(t, err)
}

func TestKeyCache_CachedHitDoesNotFetch(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	clock := newTestClock()
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer}, WithClock(clock.Now))

	for range 5 {
		k, err := kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
		require.NoError(t, err)
		assert.Equal(t, testKeyID, k.KeyID)
	}
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, int64(1), kc.Fetches())
}

func TestKeyCache_UntrustedIssuer(t *testing.T) {
	src := newFakeKeySource()
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer})

	_, err := kc.GetKey(context.Background(), "https://evil.example", testKeyID)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeInvalidIssuer))
	assert.Zero(t, src.calls.Load(), "untrusted issuers must not cause network calls")
}

func TestKeyCache_SingleFlightColdMiss(t *testing.T) {
	const n = 64
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	src.gate = make(chan struct{})
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer}, WithClock(newTestClock().Now))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
			errs <- err
		}()
	}
	// Let the goroutines pile up behind the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), src.calls.Load(), "concurrent misses must share one fetch")
}

func TestKeyCache_RotationRetry(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testStaffIssuer, rsaSigningKey("old"))
	src.publish(testStaffIssuer, rsaSigningKey("old"), rsaSigningKey("new"))
	kc := NewKeyCache(src, testConfig().Keys, []string{testStaffIssuer}, WithClock(newTestClock().Now))

	k, err := kc.GetKey(context.Background(), testStaffIssuer, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", k.KeyID)
	assert.Equal(t, int64(2), src.calls.Load(), "exactly one retry after the first refresh")
}

func TestKeyCache_UnknownKeyIsBoundedAndRateLimited(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testStaffIssuer, rsaSigningKey(testKeyID))
	clock := newTestClock()
	kc := NewKeyCache(src, testConfig().Keys, []string{testStaffIssuer}, WithClock(clock.Now))

	_, err := kc.GetKey(context.Background(), testStaffIssuer, "forged")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeInvalidSignature))
	assert.Equal(t, int64(2), src.calls.Load(), "miss plus one rotation retry")

	_, err = kc.GetKey(context.Background(), testStaffIssuer, "forged-again")
	require.Error(t, err)
	assert.Equal(t, int64(2), src.calls.Load(), "refresh within the minimum interval must not fetch")

	clock.Advance(testConfig().Keys.MinRefreshInterval)
	_, err = kc.GetKey(context.Background(), testStaffIssuer, "forged-again")
	require.Error(t, err)
	assert.Equal(t, int64(4), src.calls.Load())
}

func TestKeyCache_TTLExpiryRefetches(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	clock := newTestClock()
	cfg := testConfig().Keys
	kc := NewKeyCache(src, cfg, []string{testCustomerIssuer}, WithClock(clock.Now))

	_, err := kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
	require.NoError(t, err)
	clock.Advance(cfg.TTL + time.Second)
	_, err = kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestKeyCache_FetchErrorIsKeyFetchError(t *testing.T) {
	src := newFakeKeySource()
	src.err = errors.New("connection refused")
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer})

	_, err := kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeKeyFetchError))
	assert.True(t, sserr.IsRetryable(err))
}

func TestKeyCache_FetchTimeoutFailsClosed(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	src.gate = make(chan struct{}) // never closed
	cfg := testConfig().Keys
	cfg.FetchTimeout = 20 * time.Millisecond
	kc := NewKeyCache(src, cfg, []string{testCustomerIssuer})

	start := time.Now()
	_, err := kc.GetKey(context.Background(), testCustomerIssuer, testKeyID)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeKeyFetchError))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestKeyCache_CallerCancellation(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	src.gate = make(chan struct{})
	t.Cleanup(func() { close(src.gate) })
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := kc.GetKey(ctx, testCustomerIssuer, testKeyID)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeKeyFetchError))
}

func TestParseECPublicKey_UnsupportedCurve(t *testing.T) {
	_, err := parseECPublicKey("secp256k1", "AA", "AA")
	require.Error(t, err)
}

func TestParseRSAPublicKey_RejectsTinyExponent(t *testing.T) {
	_, err := parseRSAPublicKey("AQAB", base64.RawURLEncoding.EncodeToString([]byte{1}))
	require.Error(t, err)
}

func TestKeyCache_WarmFetchesEveryIssuer(t *testing.T) {
	src := newFakeKeySource()
	src.publish(testCustomerIssuer, rsaSigningKey(testKeyID))
	src.publish(testStaffIssuer, rsaSigningKey(testKeyID))
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer, testStaffIssuer})

	require.NoError(t, kc.Warm(context.Background()))
	assert.Equal(t, int64(2), src.calls.Load())

	_, err := kc.GetKey(context.Background(), testStaffIssuer, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load(), "warmed keys must be served from cache")
}

func TestKeyCache_WarmReportsFetchError(t *testing.T) {
	src := newFakeKeySource()
	src.err = errors.New("connection refused")
	kc := NewKeyCache(src, testConfig().Keys, []string{testCustomerIssuer})

	err := kc.Warm(context.Background())
	assert.True(t, sserr.HasCode(err, sserr.CodeKeyFetchError))
}

func TestNewRealmKeyCache(t *testing.T) {
	srv, hits := serveJWKS(t, map[string]*rsa.PublicKey{testKeyID: &testRSAKey().PublicKey}, nil)
	cfg := testConfig()
	cfg.Customer.JWKSURL = srv.URL
	cfg.Staff.JWKSURL = srv.URL

	kc := NewRealmKeyCache(cfg, srv.Client())
	for _, iss := range []string{testCustomerIssuer, testStaffIssuer} {
		k, err := kc.GetKey(context.Background(), iss, testKeyID)
		require.NoError(t, err)
		assert.Equal(t, "RS256", k.Algorithm)
	}
	assert.Equal(t, int64(2), hits.Load())

	_, err := kc.GetKey(context.Background(), "https://other.example", testKeyID)
	assert.True(t, sserr.HasCode(err, sserr.CodeInvalidIssuer))
}
