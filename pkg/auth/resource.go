package auth

import (
	"net/url"
	"path"
	"strings"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// maxResourceLen bounds accepted resource names.
const maxResourceLen = 2048

// CanonicalResource returns the form of a resource that realm routing, the
// decision cache and deny logs work with. Percent-escapes are decoded once,
// repeated slashes and dot segments are resolved and leading slashes are
// dropped, so "//admin/users", "/listing/../admin/users" and "admin/users"
// all name the same resource. Case is preserved; realm routing compares
// prefixes case-insensitively.
//
// A resource that is empty, climbs above its root, still holds an escape
// after decoding or contains a backslash or control character is rejected
// with VALIDATION_FAILED.
func CanonicalResource(resource string) (string, error) {
	s := strings.TrimSpace(resource)
	if len(s) > maxResourceLen {
		return "", sserr.New(sserr.CodeValidation, "resource exceeds maximum length")
	}
	if strings.Contains(s, "%") {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", sserr.New(sserr.CodeValidation, "resource has an invalid escape")
		}
		if strings.Contains(dec, "%") {
			return "", sserr.New(sserr.CodeValidation, "resource is escaped more than once")
		}
		s = dec
	}
	for _, r := range s {
		if r == '\\' || r < 0x20 || r == 0x7f {
			return "", sserr.New(sserr.CodeValidation, "resource contains a forbidden character")
		}
	}

	s = path.Clean(strings.TrimLeft(s, "/"))
	switch {
	case s == "." || s == "":
		return "", sserr.New(sserr.CodeValidation, "resource is required")
	case s == ".." || strings.HasPrefix(s, "../"):
		return "", sserr.New(sserr.CodeValidation, "resource escapes its root")
	}
	return s, nil
}

// hasResourcePrefix reports whether the canonical resource lies under
// prefix, ignoring case. A prefix ending in "/" also matches the bare
// segment, so "admin/" covers "admin".
func hasResourcePrefix(resource, prefix string) bool {
	prefix = strings.TrimLeft(strings.ToLower(prefix), "/")
	if prefix == "" {
		return false
	}
	r := strings.ToLower(resource)
	return strings.HasPrefix(r, prefix) || r == strings.TrimSuffix(prefix, "/")
}
