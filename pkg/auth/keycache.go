package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// SigningKey is one public key published by an identity provider. Values
// are immutable once fetched.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Public    crypto.PublicKey
	FetchedAt time.Time
}

// KeySource fetches the complete key set of an issuer.
type KeySource interface {
	FetchKeySet(ctx context.Context, issuer string) ([]SigningKey, error)
}

// KeyResolver resolves a signing key by issuer and key ID.
type KeyResolver interface {
	GetKey(ctx context.Context, issuer, keyID string) (SigningKey, error)
}

// HTTPClient is the subset of *http.Client used for key set fetches.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ===========================================================================
// JWKS source
// ===========================================================================

// maxKeySetSize bounds the key set response body.
const maxKeySetSize = 1 << 20

// JWKSSource fetches key sets from per-issuer JWKS endpoints.
type JWKSSource struct {
	client HTTPClient
	urls   map[string]string
	now    func() time.Time
}

// NewJWKSSource returns a source serving the given issuer to JWKS URL map.
// A nil client uses http.DefaultClient; the key cache bounds every fetch
// with its own timeout.
func NewJWKSSource(client HTTPClient, urls map[string]string) *JWKSSource {
	if client == nil {
		client = http.DefaultClient
	}
	copied := make(map[string]string, len(urls))
	for k, v := range urls {
		copied[k] = v
	}
	return &JWKSSource{client: client, urls: copied, now: time.Now}
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// FetchKeySet implements [KeySource]. Keys that are not signature keys or
// that fail to parse are skipped.
func (s *JWKSSource) FetchKeySet(ctx context.Context, issuer string) ([]SigningKey, error) {
	url, ok := s.urls[issuer]
	if !ok {
		return nil, sserr.Newf(sserr.CodeInvalidIssuer, "auth: no key set configured for issuer %q", issuer)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: key set request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: key set endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, fmt.Errorf("auth: read key set: %w", err)
	}
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: decode key set: %w", err)
	}

	fetchedAt := s.now()
	keys := make([]SigningKey, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		var pub crypto.PublicKey
		switch k.Kty {
		case "RSA":
			pub, err = parseRSAPublicKey(k.N, k.E)
		case "EC":
			pub, err = parseECPublicKey(k.Crv, k.X, k.Y)
		default:
			continue
		}
		if err != nil {
			continue
		}
		keys = append(keys, SigningKey{KeyID: k.Kid, Algorithm: k.Alg, Public: pub, FetchedAt: fetchedAt})
	}
	return keys, nil
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode RSA modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode RSA exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("auth: RSA key parameters out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func parseECPublicKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode EC x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode EC y: %w", err)
	}
	return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
}

// ===========================================================================
// KeyCache
// ===========================================================================

// keySet is an immutable snapshot of one issuer's keys.
type keySet struct {
	keys      map[string]SigningKey
	fetchedAt time.Time
}

type issuerKeys struct {
	current atomic.Pointer[keySet]
}

// KeyCache caches signing keys per issuer. The set of issuers is fixed at
// construction. Reads of cached keys take no locks; misses for one issuer
// share a single in-flight fetch.
type KeyCache struct {
	source  KeySource
	cfg     KeyCacheConfig
	issuers map[string]*issuerKeys
	group   singleflight.Group
	now     func() time.Time
	tracer  trace.Tracer
	logger  zerolog.Logger
	fetches atomic.Int64
}

// NewKeyCache returns a cache for the given issuers backed by source.
func NewKeyCache(source KeySource, cfg KeyCacheConfig, issuers []string, opts ...Option) *KeyCache {
	o := buildOptions(opts)
	c := &KeyCache{
		source:  source,
		cfg:     cfg,
		issuers: make(map[string]*issuerKeys, len(issuers)),
		now:     o.now,
		tracer:  o.tracer(),
		logger:  logging.Component(o.logger, "keycache"),
	}
	for _, iss := range issuers {
		c.issuers[iss] = &issuerKeys{}
	}
	return c
}

// Fetches returns how many key set fetches the cache has started.
func (c *KeyCache) Fetches() int64 { return c.fetches.Load() }

// GetKey implements [KeyResolver].
//
// A cached, unexpired key is returned immediately. Otherwise the issuer's
// key set is refetched unless it was fetched less than MinRefreshInterval
// ago. If a fresh set still lacks keyID, one more fetch is attempted after
// RotationRetryDelay. An unreachable endpoint yields KEY_FETCH_ERROR; a key
// ID that no fetch produces yields INVALID_SIGNATURE.
func (c *KeyCache) GetKey(ctx context.Context, issuer, keyID string) (SigningKey, error) {
	ik, ok := c.issuers[issuer]
	if !ok {
		return SigningKey{}, sserr.Newf(sserr.CodeInvalidIssuer, "auth: issuer %q is not trusted", issuer)
	}

	set := ik.current.Load()
	if set != nil && c.now().Sub(set.fetchedAt) < c.cfg.TTL {
		if k, ok := set.keys[keyID]; ok {
			return k, nil
		}
		if c.now().Sub(set.fetchedAt) < c.cfg.MinRefreshInterval {
			return SigningKey{}, unknownKeyError(keyID)
		}
	}

	ctx, span := c.tracer.Start(ctx, "auth.KeyCache.refresh", trace.WithAttributes(
		attribute.String("auth.issuer", issuer),
		attribute.String("auth.kid", keyID),
	))
	defer span.End()

	set, err := c.refresh(ctx, issuer, ik, set, "miss")
	if err != nil {
		finishSpan(span, err)
		return SigningKey{}, err
	}
	if k, ok := set.keys[keyID]; ok {
		return k, nil
	}
	if c.cfg.RotationRetryDelay <= 0 {
		return SigningKey{}, unknownKeyError(keyID)
	}

	// The set was populated moments ago and still lacks the key: either a
	// rotation race at the provider or a forged key ID. Retry once.
	span.AddEvent("rotation retry")
	timer := time.NewTimer(c.cfg.RotationRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		err := sserr.Wrap(ctx.Err(), sserr.CodeKeyFetchError, "auth: key resolution canceled")
		finishSpan(span, err)
		return SigningKey{}, err
	case <-timer.C:
	}
	set, err = c.refresh(ctx, issuer, ik, set, "retry")
	if err != nil {
		finishSpan(span, err)
		return SigningKey{}, err
	}
	if k, ok := set.keys[keyID]; ok {
		return k, nil
	}
	err = unknownKeyError(keyID)
	finishSpan(span, err)
	return SigningKey{}, err
}

func unknownKeyError(keyID string) error {
	return sserr.Newf(sserr.CodeInvalidSignature, "auth: signing key %q is not published by the issuer", keyID)
}

// refresh fetches the issuer's key set through the single-flight group.
// observed is the snapshot the caller saw; if another caller has replaced
// it in the meantime, that newer set is returned without a fetch. The
// fetch is detached from the caller's cancellation so one departing caller
// cannot fail the others, and bounded by FetchTimeout. Each caller still
// stops waiting when its own context ends.
func (c *KeyCache) refresh(ctx context.Context, issuer string, ik *issuerKeys, observed *keySet, phase string) (*keySet, error) {
	ch := c.group.DoChan(issuer+"|"+phase, func() (any, error) {
		if cur := ik.current.Load(); cur != nil && cur != observed && c.now().Sub(cur.fetchedAt) < c.cfg.TTL {
			return cur, nil
		}
		c.fetches.Add(1)
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()

		start := c.now()
		keys, err := c.source.FetchKeySet(fetchCtx, issuer)
		if err != nil {
			if pe, ok := sserr.AsError(err); ok && pe.Code == sserr.CodeInvalidIssuer {
				return nil, pe
			}
			c.logger.Warn().Err(err).Str("issuer", issuer).Msg("signing key fetch failed")
			return nil, sserr.Wrapf(err, sserr.CodeKeyFetchError, "auth: fetch signing keys for %q", issuer)
		}
		set := &keySet{keys: make(map[string]SigningKey, len(keys)), fetchedAt: c.now()}
		for _, k := range keys {
			if k.FetchedAt.IsZero() {
				k.FetchedAt = set.fetchedAt
			}
			set.keys[k.KeyID] = k
		}
		ik.current.Store(set)
		c.logger.Debug().Str("issuer", issuer).Int("keys", len(set.keys)).
			Dur("elapsed", c.now().Sub(start)).Msg("signing keys refreshed")
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeKeyFetchError, "auth: gave up waiting for signing keys")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySet), nil
	}
}

// Warm fetches the key set of every issuer so the first checks do not
// wait on the identity provider. It stops at the first failure.
func (c *KeyCache) Warm(ctx context.Context) error {
	for issuer, ik := range c.issuers {
		if _, err := c.refresh(ctx, issuer, ik, ik.current.Load(), "warm"); err != nil {
			return err
		}
	}
	return nil
}

// NewRealmKeyCache returns a KeyCache fetching both realms' JWKS documents
// over client.
func NewRealmKeyCache(cfg Config, client HTTPClient, opts ...Option) *KeyCache {
	urls := map[string]string{
		cfg.Customer.Issuer: cfg.Customer.KeySetURL(),
		cfg.Staff.Issuer:    cfg.Staff.KeySetURL(),
	}
	return NewKeyCache(NewJWKSSource(client, urls), cfg.Keys,
		[]string{cfg.Customer.Issuer, cfg.Staff.Issuer}, opts...)
}
