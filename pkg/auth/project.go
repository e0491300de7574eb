package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

// Projector maps verified claims onto a typed identity. Permissions always
// come from the policy tables; a token can narrow them but never widen
// them.
type Projector struct {
	policy *policy.Policy
	claims ClaimNames
	logger zerolog.Logger
}

// NewProjector returns a Projector backed by pol.
func NewProjector(pol *policy.Policy, claims ClaimNames, opts ...Option) *Projector {
	o := buildOptions(opts)
	return &Projector{policy: pol, claims: claims, logger: o.logger}
}

// Project dispatches on realm. The realm must come from a [Classifier].
func (p *Projector) Project(tok *VerifiedToken, realm Realm) (Identity, error) {
	switch realm {
	case RealmCustomer:
		return p.ProjectCustomer(tok), nil
	case RealmStaff:
		return p.ProjectStaff(tok), nil
	}
	return nil, sserr.Newf(sserr.CodeInternal, "auth: cannot project realm %q", realm)
}

// ProjectCustomer builds a customer identity. A missing or unrecognized
// tier resolves to the lowest tier.
func (p *Projector) ProjectCustomer(tok *VerifiedToken) *CustomerIdentity {
	raw := tok.StringClaim(p.claims.Tier)
	tier, matched := p.policy.ResolveTier(raw)
	if !matched {
		p.logger.Warn().
			Str("subject_id", tok.SubjectID()).
			Str("tier_claim", raw).
			Str("tier", string(tier)).
			Msg("unrecognized tier, using lowest tier")
	}
	return &CustomerIdentity{
		subjectID:     tok.SubjectID(),
		email:         tok.StringClaim(p.claims.Email),
		tier:          tier,
		permissions:   p.policy.TierPermissions(tier),
		groups:        tok.StringsClaim(p.claims.Groups),
		policyVersion: p.policy.Version(),
	}
}

// ProjectStaff builds a staff identity. The role is the first entry of the
// precedence list found in the subject's groups. A well-formed permissions
// claim is intersected with the role's set; a malformed one is logged and
// ignored.
func (p *Projector) ProjectStaff(tok *VerifiedToken) *StaffIdentity {
	groups := tok.StringsClaim(p.claims.Groups)
	role, matched := p.policy.ResolveRole(groups)
	if !matched {
		p.logger.Debug().
			Str("subject_id", tok.SubjectID()).
			Strs("groups", groups).
			Str("role", string(role)).
			Msg("no staff group matched, using least privileged role")
	}

	rolePerms := p.policy.RolePermissions(role)
	perms, source := rolePerms, PermissionsFromRole
	if raw, ok := tok.Claim(p.claims.Permissions); ok {
		requested, err := parsePermissionsClaim(raw)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("subject_id", tok.SubjectID()).
				Str("role", string(role)).
				Msg("malformed permissions claim, using role table")
			source = PermissionsFallback
		} else {
			perms, source = rolePerms.Cap(requested), PermissionsFromClaim
		}
	}

	return &StaffIdentity{
		subjectID:     tok.SubjectID(),
		email:         tok.StringClaim(p.claims.Email),
		role:          role,
		permissions:   perms,
		source:        source,
		team:          tok.StringClaim(p.claims.Team),
		policyVersion: p.policy.Version(),
	}
}

// parsePermissionsClaim accepts a JSON array of permission strings, either
// as a claim value or encoded inside a string claim.
func parsePermissionsClaim(raw any) (policy.PermissionSet, error) {
	var list []string
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return policy.PermissionSet{}, fmt.Errorf("permissions claim is not a JSON array of strings: %w", err)
		}
	case []any:
		list = make([]string, 0, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return policy.PermissionSet{}, fmt.Errorf("permissions claim entry %d is %T, not a string", i, e)
			}
			list = append(list, s)
		}
	default:
		return policy.PermissionSet{}, fmt.Errorf("permissions claim has unsupported type %T", raw)
	}
	return policy.ParsePermissionSet(list)
}

// CheckFreshness returns the session age of a staff token, or
// SESSION_EXPIRED when now - iat exceeds maxAge. The token's exp plays no
// part. A token without iat has no provable age and fails.
func CheckFreshness(tok *VerifiedToken, maxAge time.Duration, now time.Time) (time.Duration, error) {
	if tok.IssuedAt().IsZero() {
		return 0, sserr.New(sserr.CodeSessionExpired, "auth: staff token has no iat claim")
	}
	age := now.Sub(tok.IssuedAt())
	if age < 0 {
		age = 0
	}
	if age > maxAge {
		return age, sserr.Newf(sserr.CodeSessionExpired, "auth: staff session age %s exceeds %s",
			age.Truncate(time.Second), maxAge).
			WithDetail("session_age_seconds", int64(age/time.Second))
	}
	return age, nil
}
