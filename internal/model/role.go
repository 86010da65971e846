package model

// Role is one of the fixed privileged roles an admin account can hold.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Roles lists every supported role in display order.
var Roles = []Role{RoleAdmin, RoleEditor, RoleViewer}

// Valid reports whether r is a supported role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// ParseRole converts a string to a Role. The second return value is false
// when the name is not a supported role.
func ParseRole(name string) (Role, bool) {
	r := Role(name)
	return r, r.Valid()
}
