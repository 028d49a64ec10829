// Package rbac answers permission questions from a static role capability
// table. Every lookup is a pure function over in-memory data: unknown roles,
// resources, and actions all resolve to a deny, never an error.
package rbac

import "fleetdiag/internal/models"

// HasPermission reports whether the role may perform action on resource.
// A missing role or resource entry is treated as an empty action set.
func HasPermission(role models.Role, resource Resource, action Action) bool {
	caps, ok := permissions[role]
	if !ok {
		return false
	}
	for _, allowed := range caps.grants[resource] {
		if allowed == action {
			return true
		}
	}
	return false
}

// CanAccessAllCompanies reports whether the role sees data across every
// tenant. Unknown roles cannot.
func CanAccessAllCompanies(role models.Role) bool {
	return permissions[role].allCompanies
}

// IsAdmin reports whether the role is one of the two admin tiers.
func IsAdmin(role models.Role) bool {
	return role == models.RoleMasterAdmin || role == models.RoleCompanyAdmin
}

// IsMasterAdmin reports whether the role is the cross-tenant admin.
func IsMasterAdmin(role models.Role) bool {
	return role == models.RoleMasterAdmin
}

// IsTechnician reports whether the role is technician.
func IsTechnician(role models.Role) bool {
	return role == models.RoleTechnician
}

// IsOfficeManager reports whether the role is office manager.
func IsOfficeManager(role models.Role) bool {
	return role == models.RoleOfficeManager
}

// IsShopSupervisor reports whether the role is shop supervisor.
func IsShopSupervisor(role models.Role) bool {
	return role == models.RoleShopSupervisor
}
