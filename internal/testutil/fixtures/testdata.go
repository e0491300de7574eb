// Package fixtures holds identity provider values shared by tests that
// stand up a whole gateway: two user pools, their client IDs and a signing
// key ID.
package fixtures

const (
	CustomerIssuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_Customer"
	CustomerAudience = "customer-web"
	StaffIssuer      = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_Staff"
	StaffAudience    = "staff-console"
	KeyID            = "fixture-key-1"
)

// Subjects used for tokens minted in tests.
const (
	CustomerSubject = "cust-0001"
	StaffSubject    = "staff-0042"
)

// EnvPrefix is the environment prefix used by config loader tests.
const EnvPrefix = "REALMGATE"

// ConfigYAML is a minimal gateway configuration naming both pools.
const ConfigYAML = `auth:
  customer:
    issuer: ` + CustomerIssuer + `
    audience: ` + CustomerAudience + `
  staff:
    issuer: ` + StaffIssuer + `
    audience: ` + StaffAudience + `
`
