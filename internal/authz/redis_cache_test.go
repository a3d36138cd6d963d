package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"atelier/api/internal/rbac"
)

type countingRoles struct {
	calls int
	role  rbac.Role
}

func (r *countingRoles) Role(context.Context, string, string) (rbac.Role, error) {
	r.calls++
	return r.role, nil
}

func setupCache(t *testing.T, inner Roles) (*CachedRoles, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewCachedRolesWithClient(client, inner, time.Minute), s
}

func TestCachedRolesCachesLookups(t *testing.T) {
	inner := &countingRoles{role: rbac.RoleMember}
	cache, s := setupCache(t, inner)
	defer s.Close()
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		role, err := cache.Role(ctx, "user-1", "org-1")
		if err != nil {
			t.Fatalf("Role() error = %v", err)
		}
		if role != rbac.RoleMember {
			t.Fatalf("Role() = %q, want member", role)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one inner lookup, got %d", inner.calls)
	}
}

func TestCachedRolesTTLExpiry(t *testing.T) {
	inner := &countingRoles{role: rbac.RoleAdmin}
	cache, s := setupCache(t, inner)
	defer s.Close()
	defer cache.Close()

	ctx := context.Background()
	if _, err := cache.Role(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("Role() error = %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := cache.Role(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("Role() after expiry error = %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected cache expiry to trigger a second lookup, got %d", inner.calls)
	}
}

func TestCachedRolesInvalidate(t *testing.T) {
	inner := &countingRoles{role: rbac.RoleMember}
	cache, s := setupCache(t, inner)
	defer s.Close()
	defer cache.Close()

	ctx := context.Background()
	if _, err := cache.Role(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("Role() error = %v", err)
	}

	// membership revoked: drop the cached role and resolve fresh
	inner.role = rbac.RoleNone
	if err := cache.Invalidate(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	role, err := cache.Role(ctx, "user-1", "org-1")
	if err != nil {
		t.Fatalf("Role() error = %v", err)
	}
	if role != rbac.RoleNone {
		t.Fatalf("Role() after invalidation = %q, want none", role)
	}
}

func TestStoreRolesNormalizes(t *testing.T) {
	roles := NewStoreRoles(fakeMembership{"user-1": "admin", "user-2": "ex-member"})

	role, err := roles.Role(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("Role() error = %v", err)
	}
	if role != rbac.RoleAdmin {
		t.Fatalf("Role() = %q, want admin", role)
	}

	role, err = roles.Role(context.Background(), "user-2", "org-1")
	if err != nil {
		t.Fatalf("Role() error = %v", err)
	}
	if role != rbac.RoleNone {
		t.Fatalf("unknown role string must normalize to none, got %q", role)
	}
}

type fakeMembership map[string]string

func (f fakeMembership) MembershipRole(_ context.Context, userID, _ string) (string, error) {
	return f[userID], nil
}
