// Package policy holds the static tier and role permission tables consumed
// by the authorization gateway.
//
// Tables are data. They are authored as YAML (or JSON), reviewed on their
// own, and loaded at startup from the embedded defaults, a local file or an
// object store bucket. [Compile] validates a [Tables] document and produces
// an immutable [Policy] that is safe for concurrent use.
//
// Permissions in a Policy are always derived from a tier or role name.
// Nothing in this package trusts a permission list supplied by a token; a
// claim-supplied list can only be narrowed with [PermissionSet.Cap].
package policy

import (
	_ "embed"
	"slices"
	"strings"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Tier is a customer subscription tier.
type Tier string

const (
	TierIndividual Tier = "individual"
	TierDealer     Tier = "dealer"
	TierPremium    Tier = "premium"
)

// Role is a staff role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleSupport    Role = "support"
	RoleTeamMember Role = "team-member"
)

// TierEntry is one row of the tier table.
type TierEntry struct {
	Name        Tier     `json:"name" yaml:"name"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// RoleEntry is one row of the role table.
type RoleEntry struct {
	Name        Role     `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Tables is the serialized form of the permission tables. Tiers are listed
// least privileged first; roles most privileged first.
type Tables struct {
	Version string      `json:"version" yaml:"version"`
	Tiers   []TierEntry `json:"tiers" yaml:"tiers"`
	Roles   []RoleEntry `json:"roles" yaml:"roles"`
}

// Policy is a compiled, immutable view of [Tables].
type Policy struct {
	version    string
	tiers      []Tier
	tierPerms  map[Tier]PermissionSet
	precedence []Role
	rolePerms  map[Role]PermissionSet
	roleDesc   map[Role]string
}

//go:embed default_tables.yaml
var defaultTablesYAML []byte

// Default returns the compiled built-in tables. It panics if the embedded
// document is invalid, which a unit test guards against.
func Default() *Policy {
	t, err := Decode(defaultTablesYAML, FormatYAML)
	if err != nil {
		panic(err)
	}
	p, err := Compile(t)
	if err != nil {
		panic(err)
	}
	return p
}

// Compile validates t and builds a Policy. Names are normalized to lower
// case. Every table must be non-empty, names must be unique and every
// permission string must parse.
func Compile(t Tables) (*Policy, error) {
	if len(t.Tiers) == 0 {
		return nil, sserr.New(sserr.CodePolicyTableInvalid, "policy: tier table is empty")
	}
	if len(t.Roles) == 0 {
		return nil, sserr.New(sserr.CodePolicyTableInvalid, "policy: role table is empty")
	}

	p := &Policy{
		version:   t.Version,
		tierPerms: make(map[Tier]PermissionSet, len(t.Tiers)),
		rolePerms: make(map[Role]PermissionSet, len(t.Roles)),
		roleDesc:  make(map[Role]string, len(t.Roles)),
	}
	for _, e := range t.Tiers {
		name := Tier(normalize(string(e.Name)))
		if name == "" {
			return nil, sserr.New(sserr.CodePolicyTableInvalid, "policy: tier with empty name")
		}
		if _, dup := p.tierPerms[name]; dup {
			return nil, sserr.Newf(sserr.CodePolicyTableInvalid, "policy: duplicate tier %q", name)
		}
		set, err := ParsePermissionSet(e.Permissions)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodePolicyTableInvalid, "policy: tier %q", name)
		}
		p.tiers = append(p.tiers, name)
		p.tierPerms[name] = set
	}
	for _, e := range t.Roles {
		name := Role(normalize(string(e.Name)))
		if name == "" {
			return nil, sserr.New(sserr.CodePolicyTableInvalid, "policy: role with empty name")
		}
		if _, dup := p.rolePerms[name]; dup {
			return nil, sserr.Newf(sserr.CodePolicyTableInvalid, "policy: duplicate role %q", name)
		}
		set, err := ParsePermissionSet(e.Permissions)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodePolicyTableInvalid, "policy: role %q", name)
		}
		p.precedence = append(p.precedence, name)
		p.rolePerms[name] = set
		p.roleDesc[name] = e.Description
	}
	return p, nil
}

// Tables returns the normalized tables p was compiled from, in table
// order, for review and publication.
func (p *Policy) Tables() Tables {
	t := Tables{Version: p.version}
	for _, name := range p.tiers {
		t.Tiers = append(t.Tiers, TierEntry{Name: name, Permissions: p.tierPerms[name].Strings()})
	}
	for _, name := range p.precedence {
		t.Roles = append(t.Roles, RoleEntry{
			Name:        name,
			Description: p.roleDesc[name],
			Permissions: p.rolePerms[name].Strings(),
		})
	}
	return t
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Version returns the table version string.
func (p *Policy) Version() string { return p.version }

// LowestTier returns the least privileged tier.
func (p *Policy) LowestTier() Tier { return p.tiers[0] }

// LeastRole returns the least privileged role.
func (p *Policy) LeastRole() Role { return p.precedence[len(p.precedence)-1] }

// Tiers returns the tiers, least privileged first.
func (p *Policy) Tiers() []Tier { return slices.Clone(p.tiers) }

// Precedence returns the roles, most privileged first.
func (p *Policy) Precedence() []Role { return slices.Clone(p.precedence) }

// ResolveTier maps a raw tier claim to a known tier. Missing or
// unrecognized values resolve to the lowest tier; matched reports whether
// the raw value named a known tier.
func (p *Policy) ResolveTier(raw string) (tier Tier, matched bool) {
	t := Tier(normalize(raw))
	if _, ok := p.tierPerms[t]; ok {
		return t, true
	}
	return p.LowestTier(), false
}

// TierPermissions returns the permission set of a tier. Unknown tiers get
// the lowest tier's set.
func (p *Policy) TierPermissions(t Tier) PermissionSet {
	if set, ok := p.tierPerms[t]; ok {
		return set
	}
	return p.tierPerms[p.LowestTier()]
}

// ResolveRole walks the precedence list and returns the first role named
// in groups. If none match, it returns the least privileged role with
// matched set to false.
func (p *Policy) ResolveRole(groups []string) (role Role, matched bool) {
	member := make(map[Role]struct{}, len(groups))
	for _, g := range groups {
		member[Role(normalize(g))] = struct{}{}
	}
	for _, r := range p.precedence {
		if _, ok := member[r]; ok {
			return r, true
		}
	}
	return p.LeastRole(), false
}

// IsStaffRole reports whether group names a role in the table.
func (p *Policy) IsStaffRole(group string) bool {
	_, ok := p.rolePerms[Role(normalize(group))]
	return ok
}

// RolePermissions returns the permission set of a role. Unknown roles get
// the least privileged role's set.
func (p *Policy) RolePermissions(r Role) PermissionSet {
	if set, ok := p.rolePerms[r]; ok {
		return set
	}
	return p.rolePerms[p.LeastRole()]
}
