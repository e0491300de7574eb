package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// Permission grants one action on one resource type. The textual form is
// "resource:action"; either part may be the wildcard, and the bare string
// "*" is shorthand for "*:*".
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

// ParsePermission parses "resource:action" or "*".
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return Permission{Resource: Wildcard, Action: Wildcard}, nil
	}
	resource, action, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, fmt.Errorf("policy: permission %q must be resource:action", s)
	}
	if resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("policy: permission %q has an empty or malformed part", s)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// String returns the canonical "resource:action" form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// Covers reports whether p grants everything other grants.
func (p Permission) Covers(other Permission) bool {
	return (p.Resource == Wildcard || p.Resource == other.Resource) &&
		(p.Action == Wildcard || p.Action == other.Action)
}

// PermissionSet is an immutable set of permissions. The zero value is an
// empty set.
type PermissionSet struct {
	exact     map[Permission]struct{}
	wildcards []Permission
}

// NewPermissionSet builds a set, dropping duplicates.
func NewPermissionSet(perms ...Permission) PermissionSet {
	ps := PermissionSet{exact: make(map[Permission]struct{}, len(perms))}
	for _, p := range perms {
		if p.Resource == Wildcard || p.Action == Wildcard {
			if !slices.Contains(ps.wildcards, p) {
				ps.wildcards = append(ps.wildcards, p)
			}
			continue
		}
		ps.exact[p] = struct{}{}
	}
	return ps
}

// ParsePermissionSet parses each string with [ParsePermission]. The first
// malformed entry aborts parsing.
func ParsePermissionSet(raw []string) (PermissionSet, error) {
	perms := make([]Permission, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePermission(s)
		if err != nil {
			return PermissionSet{}, err
		}
		perms = append(perms, p)
	}
	return NewPermissionSet(perms...), nil
}

// Allows reports whether the set grants action on resource.
func (ps PermissionSet) Allows(resource, action string) bool {
	want := Permission{Resource: resource, Action: action}
	if _, ok := ps.exact[want]; ok {
		return true
	}
	for _, w := range ps.wildcards {
		if w.Covers(want) {
			return true
		}
	}
	return false
}

// Covers reports whether some member of the set covers p.
func (ps PermissionSet) Covers(p Permission) bool {
	if _, ok := ps.exact[p]; ok {
		return true
	}
	for _, w := range ps.wildcards {
		if w.Covers(p) {
			return true
		}
	}
	return false
}

// Cap returns the members of requested that ps covers. A claim-supplied
// permission list is capped this way so it can narrow, never widen, what
// the table grants.
func (ps PermissionSet) Cap(requested PermissionSet) PermissionSet {
	var kept []Permission
	for _, p := range requested.List() {
		if ps.Covers(p) {
			kept = append(kept, p)
		}
	}
	return NewPermissionSet(kept...)
}

// Union returns a set holding the members of both sets.
func (ps PermissionSet) Union(other PermissionSet) PermissionSet {
	return NewPermissionSet(append(ps.List(), other.List()...)...)
}

// Len returns the number of distinct permissions.
func (ps PermissionSet) Len() int {
	return len(ps.exact) + len(ps.wildcards)
}

// List returns the permissions sorted by their string form.
func (ps PermissionSet) List() []Permission {
	out := make([]Permission, 0, ps.Len())
	for p := range ps.exact {
		out = append(out, p)
	}
	out = append(out, ps.wildcards...)
	slices.SortFunc(out, func(a, b Permission) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Strings returns the sorted string forms.
func (ps PermissionSet) Strings() []string {
	list := ps.List()
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.String()
	}
	return out
}
