package projection

import "testing"

func TestUserFromAccountPath(t *testing.T) {
	cases := []struct {
		path     string
		wantUser string
		wantOK   bool
	}{
		{"user:660e8400-e29b-41d4-a716-446655440001:collateral", "660e8400-e29b-41d4-a716-446655440001", true},
		{"market:SOL-PERP:pnl_pool", "", false},
		{"market:SOL-PERP:fee_pool", "", false},
		{"external:deposits", "", false},
		{"external:funding", "", false},
		{"user:short", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		user, ok := userFromAccountPath(tc.path)
		if ok != tc.wantOK || user != tc.wantUser {
			t.Errorf("userFromAccountPath(%q) = (%q, %v), want (%q, %v)",
				tc.path, user, ok, tc.wantUser, tc.wantOK)
		}
	}
}
