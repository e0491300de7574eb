package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Checker runs authorization checks. *Authorizer implements it.
type Checker interface {
	Authorize(ctx context.Context, req CheckRequest) (Decision, Identity)
}

// ResourceFunc names the resource an HTTP request accesses.
type ResourceFunc func(r *http.Request) string

// PathResource uses the escaped URL path. The Authorizer canonicalizes
// it, dropping the leading slash.
func PathResource(r *http.Request) string {
	return r.URL.EscapedPath()
}

// Middleware admits requests carrying a bearer token that checker allows
// for the resource named by resource (PathResource when nil). On allow it
// attaches the decision and identity to the request context; on deny it
// writes the deny decision as JSON with the status of its error code.
//
//	r := chi.NewRouter()
//	r.Use(auth.Middleware(authorizer, nil))
func Middleware(checker Checker, resource ResourceFunc) func(http.Handler) http.Handler {
	if resource == nil {
		resource = PathResource
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := resource(r)
			caller := ClientAddr(r)

			token, err := ParseBearer(r.Header.Get(HeaderAuthorization))
			if err != nil {
				// The authorizer still logs and audits the malformed header.
				token = ""
			}
			d, id := checker.Authorize(r.Context(), CheckRequest{Token: token, Resource: res, Caller: caller})
			if !d.Allowed() {
				if err != nil {
					d.ErrorCode, d.ErrorMessage = sserr.CodeInvalidTokenFormat, err.Error()
				}
				WriteDecision(w, d)
				return
			}

			ctx := ContextWithDecision(r.Context(), d)
			if id != nil {
				ctx = ContextWithIdentity(ctx, id)
			}
			ctx = ContextWithCaller(ctx, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StatusFor returns the HTTP status of a decision: 200 for allow and the
// error code's status for deny.
func StatusFor(d Decision) int {
	if d.Allowed() {
		return http.StatusOK
	}
	return sserr.New(d.ErrorCode, d.ErrorMessage).HTTPStatus()
}

// WriteDecision writes d as JSON with [StatusFor] as the status. Deny
// responses to authentication failures carry a WWW-Authenticate challenge.
func WriteDecision(w http.ResponseWriter, d Decision) {
	status := StatusFor(d)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}

// ClientAddr returns the host part of the request's remote address.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
