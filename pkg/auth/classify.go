package auth

import (
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

// Classifier assigns a verified token to a realm from its claim shape
// alone. It performs no lookups.
//
// A customer token carries the tier claim, does not carry the permissions
// claim, and is an access token. A staff token carries no tier claim,
// carries the permissions claim or a group naming a staff role, and is an
// access token. The two shapes are disjoint; a token matching neither is
// rejected.
type Classifier struct {
	claims ClaimNames
	policy *policy.Policy
}

// NewClassifier returns a Classifier reading the given claim names. The
// policy supplies the staff role names.
func NewClassifier(claims ClaimNames, pol *policy.Policy) *Classifier {
	return &Classifier{claims: claims, policy: pol}
}

// Shape returns the realm the token's claims describe, or false if they
// describe neither.
func (c *Classifier) Shape(tok *VerifiedToken) (Realm, bool) {
	if tok.TokenUse() != c.claims.AccessTokenUse {
		return "", false
	}
	_, hasTier := tok.Claim(c.claims.Tier)
	_, hasPerms := tok.Claim(c.claims.Permissions)

	switch {
	case hasTier && !hasPerms:
		return RealmCustomer, true
	case !hasTier && (hasPerms || c.hasStaffGroup(tok)):
		return RealmStaff, true
	}
	return "", false
}

func (c *Classifier) hasStaffGroup(tok *VerifiedToken) bool {
	for _, g := range tok.StringsClaim(c.claims.Groups) {
		if c.policy.IsStaffRole(g) {
			return true
		}
	}
	return false
}

// Classify returns the token's realm if it equals target. Any other
// outcome is CROSS_POOL_ACCESS.
func (c *Classifier) Classify(tok *VerifiedToken, target Realm) (Realm, error) {
	realm, ok := c.Shape(tok)
	if !ok {
		return "", sserr.New(sserr.CodeCrossPoolAccess, "auth: token matches no realm").
			WithDetail("target_realm", target.String())
	}
	if realm != target {
		return realm, sserr.Newf(sserr.CodeCrossPoolAccess, "auth: %s token presented to %s realm", realm, target).
			WithDetails(map[string]any{"token_realm": realm.String(), "target_realm": target.String()})
	}
	return realm, nil
}
