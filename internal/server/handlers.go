package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/StricklySoft/realmgate/pkg/auth"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// AuthorizeRequest is the body of POST /v1/authorize.
type AuthorizeRequest struct {
	// BearerToken is the raw token. A "Bearer " prefix is accepted.
	BearerToken string `json:"bearerToken"`
	Resource    string `json:"resource"`
	// Realm is optional; without it the realm follows the resource.
	Realm string `json:"realm,omitempty"`
}

type errorBody struct {
	ErrorCode    sserr.Code `json:"errorCode"`
	ErrorMessage string     `json:"errorMessage"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *sserr.Error) {
	writeJSON(w, err.HTTPStatus(), errorBody{ErrorCode: err.Code, ErrorMessage: err.Message})
}

// handleAuthorize answers a check with 200 and the decision for both allow
// and deny; only a malformed request is an HTTP error.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, sserr.New(sserr.CodeValidation, "request body too large"))
			return
		}
		writeError(w, sserr.New(sserr.CodeValidation, "request body is not a valid authorize request"))
		return
	}
	resource, ok := canonicalResource(w, req.Resource)
	if !ok {
		return
	}
	var realm auth.Realm
	if req.Realm != "" {
		var ok bool
		if realm, ok = auth.ParseRealm(req.Realm); !ok {
			writeError(w, sserr.Newf(sserr.CodeValidation, "unknown realm %q", req.Realm))
			return
		}
	}

	token := req.BearerToken
	var parseErr error
	if scheme, _, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "bearer") {
		token, parseErr = auth.ParseBearer(token)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
	defer cancel()
	d, _ := s.checker.Authorize(ctx, auth.CheckRequest{
		Token:    token,
		Resource: resource,
		Realm:    realm,
		Caller:   auth.ClientAddr(r),
	})
	if !d.Allowed() && parseErr != nil {
		d.ErrorCode, d.ErrorMessage = sserr.CodeInvalidTokenFormat, parseErr.Error()
	}
	writeJSON(w, http.StatusOK, d)
}

// handleForwardAuth serves reverse-proxy subrequests (Traefik forwardAuth,
// nginx auth_request). The original URI names the resource; an allow
// answers 200 with the decision in X-Auth-* headers for the proxy to copy
// upstream.
func (s *Server) handleForwardAuth(w http.ResponseWriter, r *http.Request) {
	var realm auth.Realm
	if name := chi.URLParam(r, "realm"); name != "" {
		var ok bool
		if realm, ok = auth.ParseRealm(name); !ok {
			writeError(w, sserr.Newf(sserr.CodeValidation, "unknown realm %q", name))
			return
		}
	}
	raw := forwardedResource(r)
	if raw == "" {
		writeError(w, sserr.New(sserr.CodeValidation, "no forwarded URI to authorize"))
		return
	}
	resource, ok := canonicalResource(w, raw)
	if !ok {
		return
	}

	token, parseErr := auth.ParseBearer(r.Header.Get(auth.HeaderAuthorization))
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
	defer cancel()
	d, _ := s.checker.Authorize(ctx, auth.CheckRequest{
		Token:    token,
		Resource: resource,
		Realm:    realm,
		Caller:   auth.ClientAddr(r),
	})
	if !d.Allowed() {
		if parseErr != nil {
			d.ErrorCode, d.ErrorMessage = sserr.CodeInvalidTokenFormat, parseErr.Error()
		}
		_ = auth.ApplyDecisionHeaders(w.Header(), d)
		auth.WriteDecision(w, d)
		return
	}

	if err := auth.ApplyDecisionHeaders(w.Header(), d); err != nil {
		logging.WithError(logging.FromContext(ctx, s.logger).Error(), err).
			Str("principal", d.PrincipalID).
			Msg("decision context does not fit in a header")
		deny := auth.DenyFromError(d.PrincipalID, resource, err, time.Now())
		_ = auth.ApplyDecisionHeaders(w.Header(), deny)
		auth.WriteDecision(w, deny)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// forwardedResource reads the original request path from X-Forwarded-Uri,
// then X-Original-URI, then the resource query parameter. Header paths are
// returned still escaped; [auth.CanonicalResource] decodes them once.
func forwardedResource(r *http.Request) string {
	raw := r.Header.Get("X-Forwarded-Uri")
	if raw == "" {
		raw = r.Header.Get("X-Original-URI")
	}
	if raw != "" {
		if u, err := url.ParseRequestURI(raw); err == nil {
			raw = u.EscapedPath()
		} else {
			raw = ""
		}
	}
	if raw == "" {
		raw = r.URL.Query().Get("resource")
	}
	return raw
}

// canonicalResource answers 400 when raw has no canonical form.
func canonicalResource(w http.ResponseWriter, raw string) (string, bool) {
	resource, err := auth.CanonicalResource(raw)
	if err != nil {
		pe, ok := sserr.AsError(err)
		if !ok {
			pe = sserr.Wrap(err, sserr.CodeValidation, "resource is invalid")
		}
		writeError(w, pe)
		return "", false
	}
	return resource, true
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	if s.policy == nil {
		writeError(w, sserr.New(sserr.CodePolicyTableNotFound, "no policy tables loaded"))
		return
	}
	writeJSON(w, http.StatusOK, s.policy.Tables())
}

type healthBody struct {
	Status  string `json:"status"`
	Service any    `json:"service,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok"}
	if s.lifecycle != nil {
		body.Service = s.lifecycle.Info()
	}
	writeJSON(w, http.StatusOK, body)
}

// CheckResult is one dependency in the /readyz body.
type CheckResult struct {
	Name      string     `json:"name"`
	OK        bool       `json:"ok"`
	ErrorCode sserr.Code `json:"errorCode,omitempty"`
}

type readyBody struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// handleReadyz probes every dependency in parallel and answers 503 if any
// fails. Error details stay in the log.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := s.checks
	if s.lifecycle != nil {
		checks = append([]namedCheck{{name: "service", check: s.lifecycle}}, checks...)
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	g.SetLimit(4)
	for i, c := range checks {
		g.Go(func() error {
			res := CheckResult{Name: c.name, OK: true}
			if err := c.check.Health(ctx); err != nil {
				res.OK = false
				res.ErrorCode = sserr.GetCode(err)
				if res.ErrorCode == "" {
					res.ErrorCode = sserr.CodeDependencyDown
				}
				logging.WithError(s.logger.Warn(), err).Str("check", c.name).Msg("readiness check failed")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	body := readyBody{Status: "ready", Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if !res.OK {
			body.Status, status = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, body)
}
