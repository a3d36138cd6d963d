// Package authz resolves the caller's membership role within an
// organization. Role lookup sits on the hot path of every mutation, so a
// redis cache can be layered over the store-backed resolver.
package authz

import (
	"context"

	"atelier/api/internal/rbac"
)

// Roles resolves a user's role within an organization. Implementations
// return rbac.RoleNone for users with no membership.
type Roles interface {
	Role(ctx context.Context, userID, organizationID string) (rbac.Role, error)
}

type membershipStore interface {
	MembershipRole(ctx context.Context, userID, organizationID string) (string, error)
}

// StoreRoles resolves roles from organization membership rows.
type StoreRoles struct {
	store membershipStore
}

func NewStoreRoles(store membershipStore) *StoreRoles {
	return &StoreRoles{store: store}
}

func (r *StoreRoles) Role(ctx context.Context, userID, organizationID string) (rbac.Role, error) {
	raw, err := r.store.MembershipRole(ctx, userID, organizationID)
	if err != nil {
		return rbac.RoleNone, err
	}
	return rbac.Normalize(raw), nil
}
