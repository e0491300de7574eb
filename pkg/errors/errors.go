// Package errors defines the error taxonomy shared by every realmgate
// package. Each failure carries a stable, machine-readable [Code] that the
// authorization gateway copies verbatim into deny decisions, so that the
// calling layer can render a deterministic response and decide whether the
// condition is worth a retry.
//
// # Code Families
//
// Codes are grouped into categories that drive HTTP status mapping and
// retry classification:
//
//   - Token codes (INVALID_TOKEN_FORMAT, INVALID_SIGNATURE, INVALID_ISSUER,
//     INVALID_AUDIENCE, TOKEN_EXPIRED, SESSION_EXPIRED): authentication
//     failures, HTTP 401, terminal.
//   - CROSS_POOL_ACCESS: a credential presented to the wrong realm, HTTP
//     403, terminal, audited separately.
//   - KEY_FETCH_ERROR: the identity provider's key endpoint could not be
//     reached, HTTP 503, the only retryable token-path code.
//   - Platform codes (CONFIG_*, INTERNAL_*, DEPENDENCY_*): failures of the
//     gateway itself or of its storage collaborators.
//
// # Usage
//
//	err := errors.New(errors.CodeTokenExpired, "token expired at 12:00:00Z")
//
//	if errors.IsRetryable(err) {
//	    // one bounded retry is acceptable
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn().Str("error_code", e.Code.String()).Msg(e.Message)
//	}
package errors
