package rbac

type Role string
type Action string

const (
	RoleReader     Role = "reader"
	RoleTranslator Role = "translator"
	RoleEditor     Role = "editor"
	RoleOwner      Role = "owner"
)

const (
	ActionRead      Action = "read"
	ActionTranslate Action = "translate"
	ActionWrite     Action = "write"
	ActionApprove   Action = "approve"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionTranslate || action == ActionWrite || action == ActionApprove
	case RoleTranslator:
		return action == ActionRead || action == ActionTranslate
	case RoleReader:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleTranslator, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleReader
	}
}
