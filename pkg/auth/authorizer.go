package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

// CheckRequest is one authorization check.
type CheckRequest struct {
	// Token is the bearer token without the "Bearer " prefix.
	Token string
	// Resource is the protected resource being accessed.
	Resource string
	// Realm is the realm the resource belongs to. When empty it is
	// derived from Resource using the configured staff prefixes.
	Realm Realm
	// Caller identifies the client for deny logs, typically its address.
	Caller string
}

// Authorizer turns a bearer token and a resource into a [Decision]. It is
// safe for concurrent use; the only shared mutable state lives in the key
// resolver and the optional decision cache.
type Authorizer struct {
	cfg        Config
	policy     *policy.Policy
	verifier   *Verifier
	classifier *Classifier
	projector  *Projector

	now      func() time.Time
	logger   zerolog.Logger
	tracer   trace.Tracer
	audit    AuditSink
	cache    DecisionCache
	cacheTTL time.Duration
}

// New returns an Authorizer. cfg is validated; keys is normally a
// [KeyCache] covering both realm issuers.
func New(cfg Config, keys KeyResolver, pol *policy.Policy, opts ...Option) (*Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, sserr.New(sserr.CodeConfigRequired, "auth: a key resolver is required")
	}
	if pol == nil {
		pol = policy.Default()
	}
	o := buildOptions(opts)
	return &Authorizer{
		cfg:        cfg,
		policy:     pol,
		verifier:   NewVerifier(keys, cfg, opts...),
		classifier: NewClassifier(cfg.Claims, pol),
		projector:  NewProjector(pol, cfg.Claims, opts...),
		now:        o.now,
		logger:     logging.Component(o.logger, "authorizer"),
		tracer:     o.tracer(),
		audit:      o.audit,
		cache:      o.cache,
		cacheTTL:   o.cacheTTL,
	}, nil
}

// Policy returns the tables the Authorizer projects permissions from.
func (a *Authorizer) Policy() *policy.Policy { return a.policy }

// TargetRealm returns the realm a request is checked against. Without an
// explicit realm it follows the canonical form of the resource.
func (a *Authorizer) TargetRealm(req CheckRequest) Realm {
	if req.Realm.Valid() {
		return req.Realm
	}
	if c, err := CanonicalResource(req.Resource); err == nil {
		return a.cfg.realmFor(c)
	}
	return a.cfg.realmFor(req.Resource)
}

// Check runs one authorization check. It never returns an error: every
// failure is a deny decision carrying its code.
func (a *Authorizer) Check(ctx context.Context, req CheckRequest) Decision {
	d, _ := a.Authorize(ctx, req)
	return d
}

// Authorize is Check that also returns the typed identity of an allow.
// The identity is nil for denies and for allows served from the decision
// cache. The resource is canonicalized first; a resource that cannot be
// is denied with VALIDATION_FAILED.
func (a *Authorizer) Authorize(ctx context.Context, req CheckRequest) (Decision, Identity) {
	resource, resErr := CanonicalResource(req.Resource)
	if resErr == nil {
		req.Resource = resource
	}
	target := a.TargetRealm(req)
	ctx, span := a.tracer.Start(ctx, "auth.Authorizer.Check", trace.WithAttributes(
		attribute.String("auth.target_realm", target.String()),
		attribute.String("auth.resource", req.Resource),
	))
	defer span.End()

	if resErr != nil {
		return a.deny(ctx, span, req, target, evaluation{stage: StageReceived, err: resErr}), nil
	}

	var key string
	if a.cache != nil {
		key = decisionCacheKey(req.Token, target, req.Resource)
		if d, ok := a.cache.Get(ctx, key); ok && d.Allowed() {
			span.SetAttributes(attribute.Bool("auth.cache_hit", true))
			return d, nil
		}
	}

	ev := a.evaluate(ctx, req.Token, target, span)
	if ev.err != nil && sserr.HasCode(ev.err, sserr.CodeKeyFetchError) && a.cfg.RetryKeyFetch {
		span.AddEvent("key fetch retry")
		ev = a.evaluate(ctx, req.Token, target, span)
	}

	if ev.err != nil {
		return a.deny(ctx, span, req, target, ev), nil
	}

	d := Allow(ev.identity.SubjectID(), req.Resource, ev.identity.Attributes())
	span.SetAttributes(attribute.String("auth.subject", d.PrincipalID), attribute.String("auth.effect", string(d.Effect)))
	if a.cache != nil {
		if ttl := a.allowTTL(ev); ttl > 0 {
			a.cache.Put(ctx, key, d, ttl)
		}
	}
	return d, ev.identity
}

// deny builds the deny decision for a failed evaluation and records it.
func (a *Authorizer) deny(ctx context.Context, span trace.Span, req CheckRequest, target Realm, ev evaluation) Decision {
	d := DenyFromError(ev.principal(), req.Resource, ev.err, a.now())
	if ev.tokenRealm != "" {
		d.Context = map[string]string{"token_realm": ev.tokenRealm.String(), "target_realm": target.String()}
	}
	finishSpan(span, ev.err)
	span.SetAttributes(attribute.String("auth.error_code", string(d.ErrorCode)))
	a.recordDeny(ctx, req, target, ev, d)
	return d
}

// evaluation is the outcome of one pass through the pipeline.
type evaluation struct {
	stage      Stage
	token      *VerifiedToken
	tokenRealm Realm
	identity   Identity
	issuer     string
	unverified string
	err        error
}

func (e *evaluation) principal() string {
	if e.token != nil {
		return e.token.SubjectID()
	}
	return ""
}

// advance moves the evaluation to the next stage.
func (e *evaluation) advance(span trace.Span, to Stage) bool {
	if !ValidTransition(e.stage, to) {
		e.err = sserr.Newf(sserr.CodeInternal, "auth: invalid stage transition %s -> %s", e.stage, to)
		e.stage = StageDenied
		return false
	}
	e.stage = to
	span.AddEvent(to.String())
	return true
}

// fail records err. The stage stays at the one that rejected the token.
func (e *evaluation) fail(span trace.Span, err error) evaluation {
	span.AddEvent(StageDenied.String(), trace.WithAttributes(attribute.String("auth.stage", e.stage.String())))
	e.err = err
	return *e
}

// evaluate runs verify, classify, project and, for staff, freshness. The
// stage recorded on failure is the one that rejected the token.
func (a *Authorizer) evaluate(ctx context.Context, raw string, target Realm, span trace.Span) evaluation {
	ev := evaluation{stage: StageReceived}
	claims := peekClaims(raw)
	ev.issuer, _ = claims["iss"].(string)
	ev.unverified, _ = claims["sub"].(string)

	if !ev.advance(span, StageVerifying) {
		return ev
	}
	if claims == nil {
		return ev.fail(span, sserr.New(sserr.CodeInvalidTokenFormat, "auth: token is not a well-formed JWT"))
	}
	issuerRealm, rc, ok := a.cfg.realmByIssuer(ev.issuer)
	if !ok {
		// An unknown iss is verified against the target realm so the
		// signature gate runs before the issuer gate rejects it.
		issuerRealm, rc = target, a.cfg.realmConfig(target)
	}
	tok, err := a.verifier.Verify(ctx, raw, rc.Issuer, rc.Audience)
	if err != nil {
		return ev.fail(span, err)
	}
	ev.token = tok

	if !ev.advance(span, StageClassifying) {
		return ev
	}
	realm, err := a.classifier.Classify(tok, target)
	ev.tokenRealm = realm
	if err != nil {
		return ev.fail(span, err)
	}
	if issuerRealm != target {
		ev.tokenRealm = issuerRealm
		return ev.fail(span, sserr.Newf(sserr.CodeCrossPoolAccess, "auth: token from the %s pool presented to %s realm", issuerRealm, target))
	}

	if !ev.advance(span, StageProjecting) {
		return ev
	}
	id, err := a.projector.Project(tok, realm)
	if err != nil {
		return ev.fail(span, err)
	}

	if staff, ok := id.(*StaffIdentity); ok {
		if !ev.advance(span, StageCheckingFreshness) {
			return ev
		}
		age, err := CheckFreshness(tok, a.cfg.MaxStaffSessionAge, a.now())
		if err != nil {
			return ev.fail(span, err)
		}
		id = staff.withSessionAge(age)
	}

	ev.advance(span, StageAllowed)
	ev.identity = id
	return ev
}

// recordDeny logs the deny and forwards it to the audit sink. Cross-pool
// attempts are logged at warn level under their own event name.
func (a *Authorizer) recordDeny(ctx context.Context, req CheckRequest, target Realm, ev evaluation, d Decision) {
	event := DenyEvent{
		ID:                uuid.New(),
		Time:              d.Timestamp,
		Code:              d.ErrorCode,
		Message:           d.ErrorMessage,
		Stage:             ev.stage,
		TargetRealm:       target,
		TokenRealm:        ev.tokenRealm,
		Resource:          req.Resource,
		Subject:           d.PrincipalID,
		UnverifiedSubject: ev.unverified,
		Issuer:            ev.issuer,
		Caller:            req.Caller,
	}

	logger := logging.FromContext(ctx, a.logger)
	var e *zerolog.Event
	if event.CrossPool() {
		e = logger.Warn().Str("event", "cross_pool_access").Str("token_realm", event.TokenRealm.String())
	} else {
		e = logger.Info().Str("event", "auth_denied")
	}
	logging.WithError(e, ev.err).
		Str("deny_id", event.ID.String()).
		Time("denied_at", event.Time).
		Str("stage", event.Stage.String()).
		Str("target_realm", target.String()).
		Str("resource", event.Resource).
		Str("unverified_subject", event.UnverifiedSubject).
		Str("issuer", event.Issuer).
		Str("caller", event.Caller).
		Msg(d.ErrorMessage)

	if a.audit != nil {
		a.audit.RecordDeny(ctx, event)
	}
}

// allowTTL bounds a cached allow by the configured TTL, the token's expiry
// and, for staff, the remaining session age.
func (a *Authorizer) allowTTL(ev evaluation) time.Duration {
	now := a.now()
	ttl := a.cacheTTL
	if rem := ev.token.ExpiresAt().Sub(now); rem < ttl {
		ttl = rem
	}
	if staff, ok := ev.identity.(*StaffIdentity); ok {
		if rem := a.cfg.MaxStaffSessionAge - staff.SessionAge(); rem < ttl {
			ttl = rem
		}
	}
	return ttl
}

func decisionCacheKey(token string, realm Realm, resource string) string {
	h := sha256.New()
	h.Write([]byte(token))
	h.Write([]byte{0})
	h.Write([]byte(realm))
	h.Write([]byte{0})
	h.Write([]byte(resource))
	return hex.EncodeToString(h.Sum(nil))
}
