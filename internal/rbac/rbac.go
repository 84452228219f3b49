package rbac

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionWrite covers create, update and delete.
	ActionWrite Action = "write"
	ActionLock  Action = "lock"
	// ActionForceUnlock clears a lock without being its holder.
	ActionForceUnlock Action = "force_unlock"
	ActionSweep       Action = "sweep"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite || action == ActionLock
	case RoleAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps stored role names to a Role. Unknown non-empty values are
// members; an empty role is anonymous.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnonymous, RoleMember, RoleAdmin:
		return Role(role)
	case "":
		return RoleAnonymous
	default:
		return RoleMember
	}
}
