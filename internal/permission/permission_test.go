package permission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/permission"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
)

func TestProfilesAreLayered(t *testing.T) {
	assert.True(t, permission.ProfileMinimal.Has(permission.CmdExecute))
	assert.False(t, permission.ProfileMinimal.Has(permission.FileRead))

	assert.True(t, permission.ProfileStandard.Has(permission.FileRead))
	assert.True(t, permission.ProfileStandard.Has(permission.NetHTTP))
	assert.False(t, permission.ProfileStandard.Has(permission.FileWrite))

	assert.True(t, permission.ProfileExtended.Has(permission.FileWrite))
	assert.True(t, permission.ProfileExtended.Has(permission.DBRead))
	assert.False(t, permission.ProfileExtended.Has(permission.DBWrite))

	assert.True(t, permission.ProfileAdmin.Has(permission.DBWrite))
	assert.True(t, permission.ProfileAdmin.Has(permission.PluginSpawn))
}

func TestCreateRestrictedGrantsThenDenies(t *testing.T) {
	s := permission.CreateRestricted(permission.ProfileMinimal,
		[]permission.Capability{permission.FileRead, permission.NetHTTP},
		[]permission.Capability{permission.NetHTTP})

	assert.True(t, s.Has(permission.CmdExecute))
	assert.True(t, s.Has(permission.FileRead))
	assert.False(t, s.Has(permission.NetHTTP), "deny must win over grant in the same call")
}

func TestFileAccessPolicyLongestPrefixWins(t *testing.T) {
	p := permission.NewFileAccessPolicy(
		[]string{"/data"},
		[]string{"/data/secrets"},
	)
	assert.True(t, p.Allowed("/data/plugin-state.json"))
	assert.False(t, p.Allowed("/data/secrets/token"), "longer deny prefix must override the shorter allow")
	assert.False(t, p.Allowed("/etc/passwd"), "no matching root means denied")
}

func TestPluginPermissionsCheck(t *testing.T) {
	perms := &permission.PluginPermissions{
		PluginID: "trivia",
		Granted:  permission.ProfileStandard,
		Files:    permission.NewFileAccessPolicy([]string{"/data"}, nil),
	}

	require.NoError(t, perms.Check(permission.FileRead, "/data/scores.json"))

	err := perms.Check(permission.FileRead, "/etc/passwd")
	require.Error(t, err)
	assert.True(t, rosyerr.IsPermissionDenied(err))

	err = perms.Check(permission.DBWrite, "")
	require.Error(t, err)
	assert.True(t, rosyerr.IsPermissionDenied(err))
}

func TestSummaryIsSortedAndStable(t *testing.T) {
	s := permission.CreateRestricted(permission.ProfileStandard, nil, nil)
	first := permission.Summary(s)
	second := permission.Summary(s)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"cmd.execute", "file.read", "net.http"}, first)
}
