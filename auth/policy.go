package auth

// Ability names an action guarded by role policy.
type Ability string

const (
	ViewOwnPackages       Ability = "packages.view_own"
	ViewOwnConsolidations Ability = "consolidations.view_own"
	ManageManifests       Ability = "manifests.manage"
	CloseManifests        Ability = "manifests.close"
	UnlockManifests       Ability = "manifests.unlock"
	ManagePackages        Ability = "packages.manage"
	DistributePackages    Ability = "packages.distribute"
	ManageConsolidations  Ability = "consolidations.manage"
	ManageRates           Ability = "rates.manage"
	ManageBroadcasts      Ability = "broadcasts.manage"
	ViewAuditLogs         Ability = "audit.view"
	ExportAuditLogs       Ability = "audit.export"
	ManageUsers           Ability = "users.manage"
	ManageBackups         Ability = "backups.manage"
)

var customerAbilities = []Ability{
	ViewOwnPackages,
	ViewOwnConsolidations,
}

var adminAbilities = append([]Ability{
	ManageManifests,
	CloseManifests,
	UnlockManifests,
	ManagePackages,
	DistributePackages,
	ManageConsolidations,
	ManageRates,
	ManageBroadcasts,
	ViewAuditLogs,
}, customerAbilities...)

var superAdminAbilities = append([]Ability{
	ExportAuditLogs,
	ManageUsers,
	ManageBackups,
}, adminAbilities...)

var policy = map[Role]map[Ability]bool{
	RoleCustomer:   abilitySet(customerAbilities),
	RoleAdmin:      abilitySet(adminAbilities),
	RoleSuperAdmin: abilitySet(superAdminAbilities),
}

// Can reports whether role is allowed to perform ability.
func Can(role Role, ability Ability) bool {
	return policy[role][ability]
}

// IsStaff is true for admin and superadmin.
func IsStaff(role Role) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}

func abilitySet(abilities []Ability) map[Ability]bool {
	set := make(map[Ability]bool, len(abilities))
	for _, a := range abilities {
		set[a] = true
	}
	return set
}

func isValidRole(role Role) bool {
	_, ok := policy[role]
	return ok
}
