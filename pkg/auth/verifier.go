package auth

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// maxTokenSize bounds accepted token length.
const maxTokenSize = 8192

// VerifiedToken is a token whose signature, issuer, audience and expiry
// have been checked. It is immutable; accessors return copies.
type VerifiedToken struct {
	subjectID string
	issuer    string
	audience  []string
	issuedAt  time.Time
	expiresAt time.Time
	tokenUse  string
	keyID     string
	claims    map[string]any
}

func (t *VerifiedToken) SubjectID() string    { return t.subjectID }
func (t *VerifiedToken) Issuer() string       { return t.issuer }
func (t *VerifiedToken) Audience() []string   { return slices.Clone(t.audience) }
func (t *VerifiedToken) IssuedAt() time.Time  { return t.issuedAt }
func (t *VerifiedToken) ExpiresAt() time.Time { return t.expiresAt }
func (t *VerifiedToken) TokenUse() string     { return t.tokenUse }
func (t *VerifiedToken) KeyID() string        { return t.keyID }

// Claim returns a raw claim value. Composite values are shared with the
// token and must not be modified.
func (t *VerifiedToken) Claim(name string) (any, bool) {
	v, ok := t.claims[name]
	return v, ok
}

// Claims returns a shallow copy of the raw claims.
func (t *VerifiedToken) Claims() map[string]any {
	return maps.Clone(t.claims)
}

// StringClaim returns a string claim, or "" if absent or not a string.
func (t *VerifiedToken) StringClaim(name string) string {
	s, _ := t.claims[name].(string)
	return s
}

// StringsClaim returns a claim holding a list of strings. A single string
// is returned as a one-element list. Non-string members are dropped.
func (t *VerifiedToken) StringsClaim(name string) []string {
	switch v := t.claims[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Verifier checks bearer tokens against one realm's expected issuer and
// audience. It never caches results; every call verifies from scratch.
type Verifier struct {
	keys   KeyResolver
	algs   []string
	leeway time.Duration
	claims ClaimNames
	now    func() time.Time
	tracer trace.Tracer
}

// NewVerifier returns a Verifier resolving keys through keys.
func NewVerifier(keys KeyResolver, cfg Config, opts ...Option) *Verifier {
	o := buildOptions(opts)
	return &Verifier{
		keys:   keys,
		algs:   slices.Clone(cfg.Algorithms),
		leeway: cfg.Leeway,
		claims: cfg.Claims,
		now:    o.now,
		tracer: o.tracer(),
	}
}

// Verify runs the verification gates in order and stops at the first
// failure:
//
//  1. three-part structure and size (INVALID_TOKEN_FORMAT)
//  2. key ID resolution (INVALID_SIGNATURE, or KEY_FETCH_ERROR when the
//     key endpoint is unreachable)
//  3. signature over header and payload (INVALID_SIGNATURE)
//  4. iss equals expectedIssuer (INVALID_ISSUER)
//  5. aud contains expectedAudience (INVALID_AUDIENCE)
//  6. exp after now (TOKEN_EXPIRED)
//
// Tokens lacking sub or exp, or issued in the future, are rejected as
// INVALID_TOKEN_FORMAT once the signature is known to be good.
func (v *Verifier) Verify(ctx context.Context, rawToken, expectedIssuer, expectedAudience string) (*VerifiedToken, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verifier.Verify", trace.WithAttributes(
		attribute.String("auth.expected_issuer", expectedIssuer),
	))
	defer span.End()

	tok, err := v.verify(ctx, rawToken, expectedIssuer, expectedAudience)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.subject", tok.subjectID), attribute.String("auth.kid", tok.keyID))
	return tok, nil
}

func (v *Verifier) verify(ctx context.Context, rawToken, expectedIssuer, expectedAudience string) (*VerifiedToken, error) {
	// Gate 1: structure.
	if err := checkStructure(rawToken); err != nil {
		return nil, err
	}

	// Gates 2 and 3: key resolution, then signature. The parser resolves
	// the key through keyFunc before it verifies the signature; claim
	// validation is done by hand below so each failure gets its own code.
	var keyID string
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, sserr.New(sserr.CodeInvalidSignature, "auth: token header has no key ID")
		}
		keyID = kid
		key, err := v.keys.GetKey(ctx, expectedIssuer, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, sserr.Newf(sserr.CodeInvalidSignature, "auth: key %q does not sign %s", kid, t.Method.Alg())
		}
		return key.Public, nil
	}
	parser := jwt.NewParser(jwt.WithValidMethods(v.algs), jwt.WithoutClaimsValidation())
	parsed, err := parser.Parse(rawToken, keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token claims are not an object")
	}
	now := v.now()

	// Gate 4: issuer.
	iss, _ := mc["iss"].(string)
	if iss != expectedIssuer {
		return nil, sserr.Newf(sserr.CodeInvalidIssuer, "auth: token issuer %q is not %q", iss, expectedIssuer)
	}

	// Gate 5: audience. Access tokens without aud name their client in
	// the client ID claim.
	aud, err := audienceClaim(mc["aud"])
	if err != nil {
		return nil, err
	}
	if !slices.Contains(aud, expectedAudience) {
		clientID, _ := mc[v.claims.ClientID].(string)
		if len(aud) > 0 || v.claims.ClientID == "" || clientID != expectedAudience {
			return nil, sserr.New(sserr.CodeInvalidAudience, "auth: token was not issued for this audience")
		}
	}

	// Gate 6: expiry.
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token has no valid exp claim")
	}
	if !exp.Time.Add(v.leeway).After(now) {
		return nil, sserr.Newf(sserr.CodeTokenExpired, "auth: token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token has no sub claim")
	}
	var issuedAt time.Time
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		issuedAt = iat.Time
		if issuedAt.After(now.Add(v.leeway)) {
			return nil, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token was issued in the future")
		}
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil && nbf.Time.After(now.Add(v.leeway)) {
		return nil, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token is not valid yet")
	}

	tokenUse, _ := mc[v.claims.TokenUse].(string)
	return &VerifiedToken{
		subjectID: sub,
		issuer:    iss,
		audience:  aud,
		issuedAt:  issuedAt,
		expiresAt: exp.Time,
		tokenUse:  tokenUse,
		keyID:     keyID,
		claims:    maps.Clone(map[string]any(mc)),
	}, nil
}

// audienceClaim reads aud as a string or a list of strings. Any other
// shape is INVALID_TOKEN_FORMAT rather than an empty audience.
func audienceClaim(v any) ([]string, error) {
	malformed := sserr.New(sserr.CodeInvalidTokenFormat, "auth: aud claim is malformed")
	switch a := v.(type) {
	case nil:
		return nil, nil
	case string:
		if a == "" {
			return nil, nil
		}
		return []string{a}, nil
	case []string:
		return slices.Clone(a), nil
	case []any:
		out := make([]string, 0, len(a))
		for _, e := range a {
			s, ok := e.(string)
			if !ok {
				return nil, malformed
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, malformed
}

// checkStructure rejects tokens that are empty, oversized or not made of
// three non-empty base64url segments.
func checkStructure(raw string) error {
	if raw == "" {
		return sserr.New(sserr.CodeInvalidTokenFormat, "auth: token is empty")
	}
	if len(raw) > maxTokenSize {
		return sserr.New(sserr.CodeInvalidTokenFormat, "auth: token exceeds maximum size")
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return sserr.New(sserr.CodeInvalidTokenFormat, "auth: token must have three segments")
	}
	for _, p := range parts {
		if p == "" || strings.TrimLeft(p, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_") != "" {
			return sserr.New(sserr.CodeInvalidTokenFormat, "auth: token segment is not base64url")
		}
	}
	return nil
}

// classifyParseError maps parser failures onto token codes. Errors raised
// by the key function keep their own code.
func classifyParseError(err error) error {
	if pe, ok := sserr.AsError(err); ok {
		return pe
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeInvalidTokenFormat, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrInvalidKeyType):
		return sserr.Wrap(err, sserr.CodeInvalidSignature, "auth: token signature is invalid")
	}
	return sserr.Wrap(err, sserr.CodeInvalidSignature, "auth: token could not be verified")
}

// peekClaims decodes the payload without verifying it. The result is used
// only to route a token to a realm configuration and to label deny logs.
func peekClaims(raw string) jwt.MapClaims {
	if checkStructure(raw) != nil {
		return nil
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil
	}
	return mc
}
