package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "none view", role: RoleNone, action: ActionView, allow: false},
		{name: "none contribute", role: RoleNone, action: ActionContribute, allow: false},
		{name: "member view", role: RoleMember, action: ActionView, allow: true},
		{name: "member contribute", role: RoleMember, action: ActionContribute, allow: true},
		{name: "member administer", role: RoleMember, action: ActionAdminister, allow: false},
		{name: "admin administer", role: RoleAdmin, action: ActionAdminister, allow: true},
		{name: "owner administer", role: RoleOwner, action: ActionAdminister, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeUnknownRoleIsNone(t *testing.T) {
	for _, raw := range []string{"", "superuser", "MEMBER", "viewer"} {
		if got := Normalize(raw); got != RoleNone {
			t.Fatalf("Normalize(%q) = %q, want %q", raw, got, RoleNone)
		}
	}
	if got := Normalize("member"); got != RoleMember {
		t.Fatalf("Normalize(member) = %q", got)
	}
}
