package accesscontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	e, err := NewDefault()
	require.NoError(t, err)

	cases := []struct {
		role, path, method string
		allowed            bool
	}{
		{RoleOwner, "/v1/balance", "GET", true},
		{RoleAffiliate, "/v1/withdrawals", "POST", true},
		{RoleOwner, "/v1/withdrawals/123", "GET", true},
		{RoleOwner, "/v1/admin/withdrawals/123/approve", "POST", false},
		{RoleAdmin, "/v1/admin/withdrawals/123/approve", "POST", true},
		{RoleAdmin, "/v1/admin/withdrawals/123/reject", "POST", true},
		{RoleAdmin, "/v1/withdrawals", "POST", false},
		{RoleService, "/v1/internal/bookings/events", "POST", true},
		{RoleAffiliate, "/v1/internal/referrals", "POST", false},
		{"renter", "/v1/balance", "GET", false},
	}

	for _, tc := range cases {
		ok, err := e.Enforce(tc.role, tc.path, tc.method)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, ok, "%s %s %s", tc.role, tc.method, tc.path)
	}
}
