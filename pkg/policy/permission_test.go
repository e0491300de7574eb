package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{in: "listing:read", want: Permission{"listing", "read"}},
		{in: " billing:manage ", want: Permission{"billing", "manage"}},
		{in: "listing:*", want: Permission{"listing", "*"}},
		{in: "*", want: Permission{"*", "*"}},
		{in: "listing", wantErr: true},
		{in: ":read", wantErr: true},
		{in: "listing:", wantErr: true},
		{in: "a:b:c", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePermission(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPermissionSet_Allows(t *testing.T) {
	t.Parallel()
	set, err := ParsePermissionSet([]string{"listing:read", "media:*", "listing:read"})
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Allows("listing", "read"))
	assert.True(t, set.Allows("media", "upload"))
	assert.False(t, set.Allows("listing", "delete"))
	assert.False(t, PermissionSet{}.Allows("listing", "read"))

	all, err := ParsePermissionSet([]string{"*"})
	require.NoError(t, err)
	assert.True(t, all.Allows("anything", "goes"))
}

func TestParsePermissionSet_RejectsMalformed(t *testing.T) {
	t.Parallel()
	_, err := ParsePermissionSet([]string{"listing:read", "broken"})
	assert.Error(t, err)
}

func TestPermissionSet_CapNeverWidens(t *testing.T) {
	t.Parallel()
	role, err := ParsePermissionSet([]string{"listing:read", "moderation:*"})
	require.NoError(t, err)
	claimed, err := ParsePermissionSet([]string{"listing:read", "listing:delete", "moderation:approve", "*"})
	require.NoError(t, err)

	capped := role.Cap(claimed)
	assert.Equal(t, []string{"listing:read", "moderation:approve"}, capped.Strings())
	assert.False(t, capped.Allows("listing", "delete"))
}

func TestPermissionSet_UnionAndList(t *testing.T) {
	t.Parallel()
	a := NewPermissionSet(Permission{"b", "x"}, Permission{"a", "y"})
	b := NewPermissionSet(Permission{"a", "y"}, Permission{"c", "*"})

	u := a.Union(b)
	assert.Equal(t, []string{"a:y", "b:x", "c:*"}, u.Strings())
	assert.Equal(t, 3, u.Len())
}
