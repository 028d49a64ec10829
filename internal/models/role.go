package models

// Role is the actor category assigned to a user at creation. It is immutable
// once assigned and drives every permission lookup.
type Role string

const (
	RoleMasterAdmin    Role = "master_admin"
	RoleCompanyAdmin   Role = "company_admin"
	RoleOfficeManager  Role = "office_manager"
	RoleShopSupervisor Role = "shop_supervisor"
	RoleTechnician     Role = "technician"
)

// Roles lists every assignable role.
var Roles = []Role{
	RoleMasterAdmin,
	RoleCompanyAdmin,
	RoleOfficeManager,
	RoleShopSupervisor,
	RoleTechnician,
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}
