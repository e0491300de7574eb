package auth

import (
	"strings"
	"time"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Realm is one of the two disjoint identity populations.
type Realm string

const (
	RealmCustomer Realm = "customer"
	RealmStaff    Realm = "staff"
)

// String returns the realm name.
func (r Realm) String() string { return string(r) }

// Valid reports whether r is a known realm.
func (r Realm) Valid() bool {
	return r == RealmCustomer || r == RealmStaff
}

// ParseRealm parses a realm name, ignoring case.
func ParseRealm(s string) (Realm, bool) {
	r := Realm(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// RealmConfig is the expected issuer and audience of one realm.
type RealmConfig struct {
	// Issuer must equal the token's iss claim exactly.
	Issuer string `json:"issuer" yaml:"issuer" env:"ISSUER" required:"true"`

	// Audience must appear in the token's aud claim. Cognito access
	// tokens carry the app client in client_id instead; see
	// ClaimNames.ClientID.
	Audience string `json:"audience" yaml:"audience" env:"AUDIENCE" required:"true"`

	// JWKSURL overrides the key set location. Defaults to
	// <issuer>/.well-known/jwks.json.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty" env:"JWKS_URL"`
}

// KeySetURL returns the configured or derived key set URL.
func (c RealmConfig) KeySetURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return strings.TrimRight(c.Issuer, "/") + "/.well-known/jwks.json"
}

// ClaimNames names the claims the gateway reads. Defaults follow Cognito.
type ClaimNames struct {
	TokenUse       string `json:"token_use" yaml:"token_use" env:"TOKEN_USE" envDefault:"token_use"`
	AccessTokenUse string `json:"access_token_use" yaml:"access_token_use" env:"ACCESS_TOKEN_USE" envDefault:"access"`
	ClientID       string `json:"client_id" yaml:"client_id" env:"CLIENT_ID" envDefault:"client_id"`
	Email          string `json:"email" yaml:"email" env:"EMAIL" envDefault:"email"`
	Tier           string `json:"tier" yaml:"tier" env:"TIER" envDefault:"custom:tier"`
	Permissions    string `json:"permissions" yaml:"permissions" env:"PERMISSIONS" envDefault:"custom:permissions"`
	Groups         string `json:"groups" yaml:"groups" env:"GROUPS" envDefault:"cognito:groups"`
	Team           string `json:"team" yaml:"team" env:"TEAM" envDefault:"custom:team"`
}

// DefaultClaimNames returns the Cognito claim names.
func DefaultClaimNames() ClaimNames {
	return ClaimNames{
		TokenUse:       "token_use",
		AccessTokenUse: "access",
		ClientID:       "client_id",
		Email:          "email",
		Tier:           "custom:tier",
		Permissions:    "custom:permissions",
		Groups:         "cognito:groups",
		Team:           "custom:team",
	}
}

// KeyCacheConfig tunes the signing key cache.
type KeyCacheConfig struct {
	// FetchTimeout bounds each key set fetch.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"FETCH_TIMEOUT" envDefault:"3s"`

	// MinRefreshInterval is the minimum time between two refreshes of one
	// issuer's key set triggered by unknown key IDs.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL" envDefault:"10s"`

	// TTL is how long a fetched key set is trusted before a refetch.
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"1h"`

	// RotationRetryDelay is the pause before the single retry issued when a
	// freshly fetched key set lacks the requested key ID. Zero disables
	// the retry.
	RotationRetryDelay time.Duration `json:"rotation_retry_delay" yaml:"rotation_retry_delay" env:"ROTATION_RETRY_DELAY" envDefault:"250ms"`
}

// Config configures an [Authorizer].
type Config struct {
	Customer RealmConfig `json:"customer" yaml:"customer" env:"CUSTOMER"`
	Staff    RealmConfig `json:"staff" yaml:"staff" env:"STAFF"`

	// MaxStaffSessionAge bounds now - iat for staff tokens.
	MaxStaffSessionAge time.Duration `json:"max_staff_session_age" yaml:"max_staff_session_age" env:"MAX_STAFF_SESSION_AGE" envDefault:"8h"`

	// Leeway tolerates clock skew on exp and iat. Zero enforces
	// exp > now strictly.
	Leeway time.Duration `json:"leeway" yaml:"leeway" env:"LEEWAY" envDefault:"0s"`

	// Algorithms lists accepted signing algorithms.
	Algorithms []string `json:"algorithms" yaml:"algorithms" env:"ALGORITHMS" envDefault:"RS256,RS384,RS512,ES256,ES384,ES512,PS256"`

	// StaffResourcePrefixes route resources to the staff realm when a
	// check names no realm. Everything else is a customer resource.
	StaffResourcePrefixes []string `json:"staff_resource_prefixes" yaml:"staff_resource_prefixes" env:"STAFF_RESOURCE_PREFIXES" envDefault:"staff/,admin/,moderation/"`

	// RetryKeyFetch allows one retry of a check that failed with
	// KEY_FETCH_ERROR.
	RetryKeyFetch bool `json:"retry_key_fetch" yaml:"retry_key_fetch" env:"RETRY_KEY_FETCH" envDefault:"true"`

	Claims ClaimNames     `json:"claims" yaml:"claims" env:"CLAIM"`
	Keys   KeyCacheConfig `json:"keys" yaml:"keys" env:"KEYS"`
}

// Validate checks cross-field rules the loader cannot express.
func (c *Config) Validate() error {
	if c.Customer.Issuer == "" || c.Staff.Issuer == "" {
		return sserr.New(sserr.CodeConfigRequired, "auth: both realm issuers are required")
	}
	if c.Customer.Audience == "" || c.Staff.Audience == "" {
		return sserr.New(sserr.CodeConfigRequired, "auth: both realm audiences are required")
	}
	if c.Customer.Issuer == c.Staff.Issuer {
		return sserr.New(sserr.CodeConfigInvalid, "auth: customer and staff realms must use distinct issuers")
	}
	if c.MaxStaffSessionAge <= 0 {
		return sserr.Newf(sserr.CodeConfigInvalid, "auth: max_staff_session_age must be positive, got %v", c.MaxStaffSessionAge)
	}
	if c.Leeway < 0 {
		return sserr.Newf(sserr.CodeConfigInvalid, "auth: leeway must not be negative, got %v", c.Leeway)
	}
	if len(c.Algorithms) == 0 {
		return sserr.New(sserr.CodeConfigInvalid, "auth: at least one signing algorithm is required")
	}
	for _, alg := range c.Algorithms {
		if strings.EqualFold(alg, "none") || strings.HasPrefix(strings.ToUpper(alg), "HS") {
			return sserr.Newf(sserr.CodeConfigInvalid, "auth: algorithm %q is not allowed", alg)
		}
	}
	if c.Claims.Tier == "" || c.Claims.Permissions == "" || c.Claims.Groups == "" || c.Claims.TokenUse == "" {
		return sserr.New(sserr.CodeConfigInvalid, "auth: tier, permissions, groups and token_use claim names are required")
	}
	if c.Claims.Tier == c.Claims.Permissions {
		return sserr.New(sserr.CodeConfigInvalid, "auth: tier and permissions claims must differ")
	}
	if c.Keys.FetchTimeout <= 0 {
		return sserr.New(sserr.CodeConfigInvalid, "auth: keys.fetch_timeout must be positive")
	}
	if c.Keys.TTL <= 0 || c.Keys.MinRefreshInterval < 0 || c.Keys.RotationRetryDelay < 0 {
		return sserr.New(sserr.CodeConfigInvalid, "auth: key cache durations must not be negative and ttl must be positive")
	}
	return nil
}

// DefaultConfig returns a Config with every default applied and empty
// realm settings.
func DefaultConfig() Config {
	return Config{
		MaxStaffSessionAge:    8 * time.Hour,
		Algorithms:            []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"},
		StaffResourcePrefixes: []string{"staff/", "admin/", "moderation/"},
		RetryKeyFetch:         true,
		Claims:                DefaultClaimNames(),
		Keys: KeyCacheConfig{
			FetchTimeout:       3 * time.Second,
			MinRefreshInterval: 10 * time.Second,
			TTL:                time.Hour,
			RotationRetryDelay: 250 * time.Millisecond,
		},
	}
}

// realmFor returns the realm a check against the canonical resource
// targets when the caller did not name one.
func (c *Config) realmFor(resource string) Realm {
	for _, p := range c.StaffResourcePrefixes {
		if hasResourcePrefix(resource, p) {
			return RealmStaff
		}
	}
	return RealmCustomer
}

func (c *Config) realmConfig(r Realm) RealmConfig {
	if r == RealmStaff {
		return c.Staff
	}
	return c.Customer
}

// realmByIssuer routes an unverified iss claim to the realm whose
// configuration will verify it.
func (c *Config) realmByIssuer(iss string) (Realm, RealmConfig, bool) {
	switch iss {
	case c.Customer.Issuer:
		return RealmCustomer, c.Customer, true
	case c.Staff.Issuer:
		return RealmStaff, c.Staff, true
	}
	return "", RealmConfig{}, false
}
