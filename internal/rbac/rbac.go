package rbac

type Role string
type Action string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

const (
	ActionReadDraft   Action = "read_draft"
	ActionEditContent Action = "edit_content"
	ActionPublish     Action = "publish"
	ActionManageFlags Action = "manage_flags"
	ActionDispatch    Action = "dispatch"
	ActionCustomers   Action = "customers"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionReadDraft || action == ActionEditContent || action == ActionPublish ||
			action == ActionDispatch || action == ActionCustomers
	case RoleWorker, RoleCustomer:
		return false
	default:
		return false
	}
}

// CanEdit reports whether the role may enter draft view and stage content.
func CanEdit(role Role) bool {
	return Can(role, ActionEditContent)
}

// Normalize maps unknown roles to customer, the least privileged.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleCustomer, RoleWorker, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleCustomer
	}
}
