package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       GrantRequest
		wantErr   string
		wantPerms []string
		wantKind  AssignmentKind
	}{
		{
			name:      "valid request defaults to directory kind",
			req:       GrantRequest{PrincipalID: "u1", Permissions: []string{"r1"}, Duration: time.Minute},
			wantPerms: []string{"r1"},
			wantKind:  AssignmentDirectory,
		},
		{
			name:      "duplicates and blanks are dropped",
			req:       GrantRequest{PrincipalID: "u1", Permissions: []string{"r1", " ", "r2", "r1"}, Duration: time.Minute, AssignmentKind: AssignmentApp},
			wantPerms: []string{"r1", "r2"},
			wantKind:  AssignmentApp,
		},
		{
			name:    "missing principal",
			req:     GrantRequest{Permissions: []string{"r1"}, Duration: time.Minute},
			wantErr: "principal id is required",
		},
		{
			name:    "no permissions",
			req:     GrantRequest{PrincipalID: "u1", Permissions: []string{""}, Duration: time.Minute},
			wantErr: "at least one permission is required",
		},
		{
			name:    "zero duration",
			req:     GrantRequest{PrincipalID: "u1", Permissions: []string{"r1"}},
			wantErr: "duration must be positive",
		},
		{
			name:    "unknown kind",
			req:     GrantRequest{PrincipalID: "u1", Permissions: []string{"r1"}, Duration: time.Minute, AssignmentKind: "pim"},
			wantErr: `invalid assignment kind "pim"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPerms, tt.req.Permissions)
			assert.Equal(t, tt.wantKind, tt.req.AssignmentKind)
		})
	}
}

func TestDelegateRequest_Validate_RejectsSelf(t *testing.T) {
	req := DelegateRequest{FromID: "u1", ToID: "u1", Permissions: []string{"r"}, Duration: time.Minute}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot delegate access to self")
}

func TestCrossScopeRequest_Validate(t *testing.T) {
	req := CrossScopeRequest{TargetID: "u2", Permission: "  seg-a ", Duration: time.Hour}
	require.NoError(t, req.Validate())
	assert.Equal(t, "seg-a", req.Permission)

	bad := CrossScopeRequest{TargetID: "u2", Duration: time.Hour}
	require.Error(t, bad.Validate())
}

func TestGrantKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "u1", GrantKey("u1"))
	assert.Equal(t, "u1_cross_seg", CrossScopeKey("u1", "seg"))
	assert.Equal(t, "u2_delegate_a,b", DelegationKey("u2", []string{"a", "b"}))
	assert.Equal(t, "u2_delegate_a,b", DelegationKey("u2", []string{"b", "a"}))
	assert.Equal(t, "u2_delegate_a,b", DelegationKey("u2", []string{"b", "a", "b"}))
	assert.NotEqual(t, CrossScopeKey("u1", "a"), DelegationKey("u1", []string{"a"}))
	assert.Equal(t, "TemporaryRoleFor_u1", DelegatedRoleName("u1"))
}

func TestGrantState_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, GrantRequested.Terminal())
	assert.False(t, GrantActive.Terminal())
	assert.True(t, GrantRevoked.Terminal())
	assert.True(t, GrantSuperseded.Terminal())
}

func TestTimeOfDay_Within(t *testing.T) {
	t.Parallel()

	nine, err := ParseTimeOfDay("09:00")
	require.NoError(t, err)
	five, err := ParseTimeOfDay("17:00")
	require.NoError(t, err)

	tests := []struct {
		at   string
		want bool
	}{
		{"09:00", true},
		{"16:59", true},
		{"17:00", false},
		{"08:59", false},
		{"00:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			at, err := ParseTimeOfDay(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, at.Within(nine, five))
		})
	}
}

func TestTimeOfDay_WithinWrapsMidnight(t *testing.T) {
	t.Parallel()

	start, _ := ParseTimeOfDay("22:00")
	end, _ := ParseTimeOfDay("06:00")

	late, _ := ParseTimeOfDay("23:30")
	early, _ := ParseTimeOfDay("05:59")
	noon, _ := ParseTimeOfDay("12:00")

	assert.True(t, late.Within(start, end))
	assert.True(t, early.Within(start, end))
	assert.False(t, noon.Within(start, end))
}

func TestParseTimeOfDay_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseTimeOfDay("25:00")
	require.Error(t, err)
	_, err = ParseTimeOfDay("nine")
	require.Error(t, err)
}

func TestTimeOfDayOf(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 16, 59, 59, 0, time.UTC)
	assert.Equal(t, "16:59", TimeOfDayOf(ts).String())
}
