package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

func TestCanonicalResource(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"admin/users", "admin/users"},
		{"/admin/users", "admin/users"},
		{"//admin//users/", "admin/users"},
		{"/listing/../admin/users", "admin/users"},
		{"./listing/./7", "listing/7"},
		{"/Admin/Users", "Admin/Users"},
		{"/%61dmin/users", "admin/users"},
		{"listing/%2e%2e/admin", "admin"},
		{"admin%2Fusers", "admin/users"},
		{"  listing/1  ", "listing/1"},
		{"staff/grpc/ops.Tools/Reindex", "staff/grpc/ops.Tools/Reindex"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalResource(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := CanonicalResource(got)
			require.NoError(t, err)
			assert.Equal(t, got, again, "canonical form must be stable")
		})
	}
}

func TestCanonicalResource_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"root", "/"},
		{"dot", "."},
		{"parent", ".."},
		{"leading parent", "../admin"},
		{"climbs above root", "/listing/../../admin"},
		{"bad escape", "listing/%zz"},
		{"double escape", "%252e%252e/admin"},
		{"backslash", `admin\users`},
		{"control character", "admin/\x00users"},
		{"too long", strings.Repeat("a", maxResourceLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CanonicalResource(tt.in)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
		})
	}
}

func TestTargetRealm_NormalizedPrefixes(t *testing.T) {
	cfg := testConfig()
	cfg.StaffResourcePrefixes = append(cfg.StaffResourcePrefixes, "/ops/")
	f := newAuthzFixture(t, cfg)

	staff := []string{
		"admin/users",
		"/admin/users",
		"//admin/users",
		"/listing/../admin/users",
		"/Admin/users",
		"MODERATION/queue",
		"admin",
		"/%61dmin/users",
		"ops/reindex",
	}
	for _, r := range staff {
		assert.Equal(t, RealmStaff, f.authz.TargetRealm(CheckRequest{Resource: r}), r)
	}

	customer := []string{"listing/9", "/listing/9", "administrator/x", "staffing/jobs"}
	for _, r := range customer {
		assert.Equal(t, RealmCustomer, f.authz.TargetRealm(CheckRequest{Resource: r}), r)
	}
}

func TestCheck_CustomerTokenOnDisguisedStaffPath(t *testing.T) {
	sink := &recordingSink{}
	f := newAuthzFixture(t, testConfig(), WithAuditSink(sink))
	token := signRS256(t, customerClaims("individual"))

	for _, r := range []string{"/admin/users", "//admin/users", "/listing/../admin/users", "/Admin/users"} {
		d := check(f, token, r, "")
		assert.False(t, d.Allowed(), r)
		assert.Equal(t, sserr.CodeCrossPoolAccess, d.ErrorCode, r)
		assert.Equal(t, "admin/users", strings.ToLower(d.Resource), r)
	}

	d := check(f, token, "/listing/../../admin/users", "")
	assert.Equal(t, sserr.CodeValidation, d.ErrorCode)
	assert.Equal(t, EffectDeny, d.Effect)

	events := sink.all()
	require.Len(t, events, 5)
	assert.Equal(t, StageReceived, events[4].Stage)

	d = check(f, token, "/listing/1", "")
	require.True(t, d.Allowed(), "%s %s", d.ErrorCode, d.ErrorMessage)
	assert.Equal(t, "listing/1", d.Resource)
}
