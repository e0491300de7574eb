package auth

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/StricklySoft/realmgate/pkg/policy"
)

// Identity is the typed context of an admitted token. It is a closed sum:
// the only implementations are *CustomerIdentity and *StaffIdentity, and
// callers switch on the concrete type.
//
//	switch id := identity.(type) {
//	case *auth.CustomerIdentity:
//	    _ = id.Tier()
//	case *auth.StaffIdentity:
//	    _ = id.Role()
//	}
type Identity interface {
	Realm() Realm
	SubjectID() string
	Email() string
	Permissions() policy.PermissionSet

	// Attributes flattens the identity into string attributes for
	// downstream handlers.
	Attributes() map[string]string

	sealed()
}

// Attribute keys shared by both identity kinds.
const (
	AttrRealm       = "realm"
	AttrSubjectID   = "subject_id"
	AttrEmail       = "email"
	AttrPermissions = "permissions"
	AttrTier        = "tier"
	AttrGroups      = "groups"
	AttrRole        = "role"
	AttrTeam        = "team"
	AttrSessionAge  = "session_age_seconds"
	AttrPermSource  = "permissions_source"
	AttrPolicy      = "policy_version"
)

// CustomerIdentity is an admitted customer.
type CustomerIdentity struct {
	subjectID     string
	email         string
	tier          policy.Tier
	permissions   policy.PermissionSet
	groups        []string
	policyVersion string
}

func (c *CustomerIdentity) sealed() {}

func (c *CustomerIdentity) Realm() Realm                      { return RealmCustomer }
func (c *CustomerIdentity) SubjectID() string                 { return c.subjectID }
func (c *CustomerIdentity) Email() string                     { return c.email }
func (c *CustomerIdentity) Tier() policy.Tier                 { return c.tier }
func (c *CustomerIdentity) Permissions() policy.PermissionSet { return c.permissions }
func (c *CustomerIdentity) Groups() []string                  { return slices.Clone(c.groups) }

// Attributes implements [Identity].
func (c *CustomerIdentity) Attributes() map[string]string {
	return map[string]string{
		AttrRealm:       RealmCustomer.String(),
		AttrSubjectID:   c.subjectID,
		AttrEmail:       c.email,
		AttrTier:        string(c.tier),
		AttrPermissions: strings.Join(c.permissions.Strings(), ","),
		AttrGroups:      strings.Join(c.groups, ","),
		AttrPolicy:      c.policyVersion,
	}
}

// PermissionSource records where a staff permission set came from.
type PermissionSource string

const (
	// PermissionsFromRole means the role table supplied the set.
	PermissionsFromRole PermissionSource = "role"
	// PermissionsFromClaim means a well-formed claim, capped by the role
	// table, supplied the set.
	PermissionsFromClaim PermissionSource = "claim"
	// PermissionsFallback means the claim was malformed and the role
	// table supplied the set.
	PermissionsFallback PermissionSource = "role_fallback"
)

// StaffIdentity is an admitted staff member.
type StaffIdentity struct {
	subjectID     string
	email         string
	role          policy.Role
	permissions   policy.PermissionSet
	source        PermissionSource
	team          string
	sessionAge    time.Duration
	policyVersion string
}

func (s *StaffIdentity) sealed() {}

func (s *StaffIdentity) Realm() Realm                       { return RealmStaff }
func (s *StaffIdentity) SubjectID() string                  { return s.subjectID }
func (s *StaffIdentity) Email() string                      { return s.email }
func (s *StaffIdentity) Role() policy.Role                  { return s.role }
func (s *StaffIdentity) Permissions() policy.PermissionSet  { return s.permissions }
func (s *StaffIdentity) PermissionSource() PermissionSource { return s.source }
func (s *StaffIdentity) Team() string                       { return s.team }
func (s *StaffIdentity) SessionAge() time.Duration          { return s.sessionAge }

// Attributes implements [Identity].
func (s *StaffIdentity) Attributes() map[string]string {
	return map[string]string{
		AttrRealm:       RealmStaff.String(),
		AttrSubjectID:   s.subjectID,
		AttrEmail:       s.email,
		AttrRole:        string(s.role),
		AttrPermissions: strings.Join(s.permissions.Strings(), ","),
		AttrPermSource:  string(s.source),
		AttrTeam:        s.team,
		AttrSessionAge:  strconv.FormatInt(int64(s.sessionAge/time.Second), 10),
		AttrPolicy:      s.policyVersion,
	}
}

// withSessionAge returns a copy carrying the measured session age.
func (s *StaffIdentity) withSessionAge(age time.Duration) *StaffIdentity {
	cp := *s
	cp.sessionAge = age
	return &cp
}
