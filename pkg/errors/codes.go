package errors

import "net/http"

// Code is a stable machine-readable error code. Codes never change once
// published; clients switch on them.
type Code string

// Category groups codes with the same client-facing semantics.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryInternal       Category = "internal"
	CategoryUnavailable    Category = "unavailable"
	CategoryTimeout        Category = "timeout"
)

// Token verification and admission codes.
const (
	// CodeInvalidTokenFormat indicates a malformed bearer header or a token
	// that does not split into header, payload and signature.
	CodeInvalidTokenFormat Code = "INVALID_TOKEN_FORMAT"

	// CodeInvalidSignature indicates the signature did not verify or the
	// referenced signing key could not be resolved.
	CodeInvalidSignature Code = "INVALID_SIGNATURE"

	// CodeInvalidIssuer indicates the token was issued by an unexpected
	// identity provider.
	CodeInvalidIssuer Code = "INVALID_ISSUER"

	// CodeInvalidAudience indicates the token was issued for another client.
	CodeInvalidAudience Code = "INVALID_AUDIENCE"

	// CodeTokenExpired indicates the token's own expiration has passed.
	CodeTokenExpired Code = "TOKEN_EXPIRED"

	// CodeCrossPoolAccess indicates the token's realm does not match the
	// realm being checked against.
	CodeCrossPoolAccess Code = "CROSS_POOL_ACCESS"

	// CodeSessionExpired indicates a staff session older than the maximum
	// session age.
	CodeSessionExpired Code = "SESSION_EXPIRED"

	// CodeKeyFetchError indicates a transient failure reaching the signing
	// key endpoint.
	CodeKeyFetchError Code = "KEY_FETCH_ERROR"
)

// Platform codes.
const (
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeConfigInvalid       Code = "CONFIG_INVALID"
	CodeConfigRequired      Code = "CONFIG_REQUIRED"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeInternalStorage     Code = "INTERNAL_STORAGE"
	CodeDependencyDown      Code = "DEPENDENCY_UNAVAILABLE"
	CodeDependencyTimeout   Code = "DEPENDENCY_TIMEOUT"
	CodeStorageTimeout      Code = "STORAGE_TIMEOUT"
	CodePolicyTableInvalid  Code = "POLICY_TABLE_INVALID"
	CodePolicyTableNotFound Code = "POLICY_TABLE_NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeNotReady            Code = "NOT_READY"
)

type codeInfo struct {
	category  Category
	retryable bool
}

var registry = map[Code]codeInfo{
	CodeInvalidTokenFormat: {CategoryAuthentication, false},
	CodeInvalidSignature:   {CategoryAuthentication, false},
	CodeInvalidIssuer:      {CategoryAuthentication, false},
	CodeInvalidAudience:    {CategoryAuthentication, false},
	CodeTokenExpired:       {CategoryAuthentication, false},
	CodeSessionExpired:     {CategoryAuthentication, false},
	CodeCrossPoolAccess:    {CategoryAuthorization, false},
	CodeKeyFetchError:      {CategoryUnavailable, true},

	CodeValidation:          {CategoryValidation, false},
	CodeConfigInvalid:       {CategoryInternal, false},
	CodeConfigRequired:      {CategoryInternal, false},
	CodeInternal:            {CategoryInternal, false},
	CodeInternalStorage:     {CategoryInternal, false},
	CodePolicyTableInvalid:  {CategoryInternal, false},
	CodePolicyTableNotFound: {CategoryInternal, false},
	CodeInvalidState:        {CategoryInternal, false},
	CodeNotReady:            {CategoryUnavailable, true},
	CodeDependencyDown:      {CategoryUnavailable, true},
	CodeDependencyTimeout:   {CategoryTimeout, true},
	CodeStorageTimeout:      {CategoryTimeout, true},
}

// statusByCategory maps each category to the HTTP status handlers answer
// with. Unknown categories fall back to 500.
var statusByCategory = map[Category]int{
	CategoryValidation:     http.StatusBadRequest,
	CategoryAuthentication: http.StatusUnauthorized,
	CategoryAuthorization:  http.StatusForbidden,
	CategoryUnavailable:    http.StatusServiceUnavailable,
	CategoryTimeout:        http.StatusGatewayTimeout,
}

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Known reports whether c is a registered code.
func (c Code) Known() bool {
	_, ok := registry[c]
	return ok
}

// Category returns the category of the code. Unknown codes are treated as
// internal errors.
func (c Code) Category() Category {
	if info, ok := registry[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Retryable reports whether a single bounded retry of the failed operation
// is acceptable.
func (c Code) Retryable() bool {
	return registry[c].retryable
}

// HTTPStatus returns the status for the code's category.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCategory[c.Category()]; ok {
		return s
	}
	return http.StatusInternalServerError
}
