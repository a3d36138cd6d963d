package rbac

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionView       Action = "view"
	ActionContribute Action = "contribute"
	ActionAdminister Action = "administer"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleMember:
		return action == ActionView || action == ActionContribute
	default:
		return false
	}
}

// Normalize maps unknown role strings to RoleNone so that a corrupt or
// missing membership row can never grant access.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}
