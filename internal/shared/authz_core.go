package shared

// Core platform permissions.
const (
	PermUsersView    = "users.view"
	PermUsersEdit    = "users.edit"
	PermUsersApprove = "users.approve"
	PermUsersDelete  = "users.delete"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"

	PermAuditView = "audit.view"
)

// Built-in role names.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermUsersApprove,
		PermUsersDelete,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsEdit,
		PermAuditView,
	}
}
