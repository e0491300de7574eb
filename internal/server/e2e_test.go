package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/realmgate/internal/server"
	"github.com/StricklySoft/realmgate/internal/testutil/fixtures"
	"github.com/StricklySoft/realmgate/internal/testutil/idp"
	"github.com/StricklySoft/realmgate/pkg/auth"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

type gateway struct {
	idp     *idp.Provider
	handler http.Handler
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	p := idp.New(t)
	cfg := p.AuthConfig()
	kc := auth.NewRealmKeyCache(cfg, p.Server.Client())
	authz, err := auth.New(cfg, kc, policy.Default())
	require.NoError(t, err)
	srv, err := server.New(server.DefaultConfig(), authz, server.WithPolicy(authz.Policy()))
	require.NoError(t, err)
	return &gateway{idp: p, handler: srv.Handler()}
}

func (g *gateway) authorize(t *testing.T, token, resource string) auth.Decision {
	t.Helper()
	body, err := json.Marshal(server.AuthorizeRequest{BearerToken: token, Resource: resource})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/authorize", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d auth.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

func (g *gateway) forward(token, uri string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/forward-auth", nil)
	if token != "" {
		req.Header.Set(auth.HeaderAuthorization, "Bearer "+token)
	}
	req.Header.Set("X-Forwarded-Uri", uri)
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestGateway_CustomerToken(t *testing.T) {
	g := newGateway(t)
	token := idp.Sign(t, idp.CustomerClaims("dealer"))

	d := g.authorize(t, token, "listing/7")
	require.True(t, d.Allowed(), d.ErrorMessage)
	assert.Equal(t, fixtures.CustomerSubject, d.PrincipalID)
	assert.Equal(t, "customer", d.Context[auth.AttrRealm])
	assert.Equal(t, "dealer", d.Context[auth.AttrTier])
	assert.Contains(t, d.Context[auth.AttrPermissions], "listing:bulk-import")

	d = g.authorize(t, token, "staff/reports")
	assert.Equal(t, sserr.CodeCrossPoolAccess, d.ErrorCode)
}

func TestGateway_StaffToken(t *testing.T) {
	g := newGateway(t)
	token := idp.Sign(t, idp.StaffClaims("moderator"))

	d := g.authorize(t, token, "moderation/queue")
	require.True(t, d.Allowed(), d.ErrorMessage)
	assert.Equal(t, fixtures.StaffSubject, d.PrincipalID)
	assert.Equal(t, "moderator", d.Context[auth.AttrRole])

	d = g.authorize(t, token, "listing/7")
	assert.Equal(t, sserr.CodeCrossPoolAccess, d.ErrorCode)
}

func TestGateway_RejectsBadTokens(t *testing.T) {
	g := newGateway(t)

	expired := idp.CustomerClaims("individual")
	expired["exp"] = int64(1_000_000)
	assert.Equal(t, sserr.CodeTokenExpired, g.authorize(t, idp.Sign(t, expired), "listing/1").ErrorCode)

	wrongAud := idp.CustomerClaims("individual")
	wrongAud["client_id"] = "someone-else"
	assert.Equal(t, sserr.CodeInvalidAudience, g.authorize(t, idp.Sign(t, wrongAud), "listing/1").ErrorCode)

	assert.Equal(t, sserr.CodeInvalidTokenFormat, g.authorize(t, "not-a-jwt", "listing/1").ErrorCode)
}

func TestGateway_ForwardAuth(t *testing.T) {
	g := newGateway(t)

	rec := g.forward(idp.Sign(t, idp.StaffClaims("admin")), "/admin/users?page=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fixtures.StaffSubject, rec.Header().Get(auth.HeaderPrincipal))
	assert.Equal(t, "staff", rec.Header().Get(auth.HeaderRealm))
	attrs, err := auth.DeserializeContext(rec.Header().Get(auth.HeaderContext))
	require.NoError(t, err)
	assert.Equal(t, "admin", attrs[auth.AttrRole])

	rec = g.forward(idp.Sign(t, idp.CustomerClaims("premium")), "/admin/users")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(sserr.CodeCrossPoolAccess), rec.Header().Get(auth.HeaderErrorCode))
	assert.Empty(t, rec.Header().Get(auth.HeaderPrincipal))

	rec = g.forward("", "/listing/1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_CustomerTokenCannotReachStaffPaths(t *testing.T) {
	g := newGateway(t)
	token := idp.Sign(t, idp.CustomerClaims("individual"))

	for _, uri := range []string{
		"/admin/users",
		"//admin/users",
		"/listing/../admin/users",
		"/listing/%2e%2e/admin/users",
		"/Admin/users",
		"/%61dmin/users",
		"/MODERATION/queue",
	} {
		t.Run("forward "+uri, func(t *testing.T) {
			rec := g.forward(token, uri)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, string(sserr.CodeCrossPoolAccess), rec.Header().Get(auth.HeaderErrorCode))
			assert.Empty(t, rec.Header().Get(auth.HeaderPrincipal))
		})
		t.Run("authorize "+uri, func(t *testing.T) {
			d := g.authorize(t, token, uri)
			assert.Equal(t, auth.EffectDeny, d.Effect)
			assert.Equal(t, sserr.CodeCrossPoolAccess, d.ErrorCode)
		})
	}

	rec := g.forward(token, "/../admin/users")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get(auth.HeaderPrincipal))

	d := g.authorize(t, token, "/listing/7")
	require.True(t, d.Allowed(), d.ErrorMessage)
	assert.Equal(t, "listing/7", d.Resource)
}

func TestGateway_PolicyEndpoint(t *testing.T) {
	g := newGateway(t)
	get := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
		req.Header.Set(auth.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		g.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusForbidden, get(idp.Sign(t, idp.CustomerClaims("premium"))).Code)

	rec := get(idp.Sign(t, idp.StaffClaims("support")))
	require.Equal(t, http.StatusOK, rec.Code)
	var tables policy.Tables
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tables))
	assert.Equal(t, policy.Default().Version(), tables.Version)
}

func TestGateway_KeysFetchedOncePerPool(t *testing.T) {
	g := newGateway(t)
	for range 5 {
		g.authorize(t, idp.Sign(t, idp.CustomerClaims("individual")), "listing/1")
	}
	assert.Equal(t, int64(1), g.idp.Fetches())
}
