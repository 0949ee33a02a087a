package domain

// UserRole — роль пользователя в организации.
type UserRole string

const (
	UserRoleOwner    UserRole = "Owner"
	UserRoleAdmin    UserRole = "Admin"
	UserRoleMember   UserRole = "Member"
	UserRoleProvider UserRole = "Provider"
	UserRoleService  UserRole = "Service"
)

// User — отправитель команды.
type User struct {
	// ID — идентификатор пользователя (object id в каталоге).
	ID string `json:"id" validate:"required"`

	// DisplayName — имя для аудита.
	DisplayName string `json:"display_name,omitempty"`

	// Role — роль в организации.
	Role UserRole `json:"role,omitempty"`
}

// SystemUser — пользователь, от имени которого система шлёт производные команды.
var SystemUser = User{ID: "system", DisplayName: "Tandem", Role: UserRoleService}
