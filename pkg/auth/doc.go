// Package auth implements the dual-realm admission gateway.
//
// Every protected call presents a bearer token and a target resource. The
// [Authorizer] turns that pair into exactly one [Decision] by running a
// fixed pipeline:
//
//	Verifier -> Classifier -> Projector -> freshness guard (staff only) -> Decision
//
// Two identity realms exist. Customer tokens carry a subscription tier and
// are granted the permissions of that tier. Staff tokens carry group
// memberships and, optionally, an explicit permissions claim; the role is
// resolved by precedence and the claim can only narrow what the role table
// grants. A token is assigned to a realm purely from its claim shape, and a
// token checked against the other realm is denied with CROSS_POOL_ACCESS.
//
// # Signing Keys
//
// [KeyCache] is the only component that performs network I/O. It is
// constructed explicitly, shared by all checks and safe for concurrent use:
// cached keys are read without locks, concurrent misses for one issuer are
// coalesced into a single fetch, refreshes are rate limited and every fetch
// is bounded by a timeout so a slow identity provider fails closed.
//
// # Failures
//
// Every failure becomes a deny decision carrying a stable code from
// package errors. Only KEY_FETCH_ERROR is retryable.
//
// # Surfaces
//
// [Middleware] and [UnaryServerInterceptor] adapt the Authorizer to HTTP and
// gRPC servers. Both store the decision and identity in the request context
// ([DecisionFromContext], [IdentityFromContext]).
package auth
