package tenancy

import "sort"

// Tenant-scoped permissions granted through TenantRole bundles.
const (
	PermAccessDashboard      = "access_dashboard"
	PermViewTenantSettings   = "view_tenant_settings"
	PermManageTenantSettings = "manage_tenant_settings"
	PermManageUsers          = "manage_users"
	PermManageRoles          = "manage_roles"
	PermViewBilling          = "view_billing"
	PermManageBilling        = "manage_billing"

	PermViewProduction       = "view_production"
	PermManageProduction     = "manage_production"
	PermViewRecipes          = "view_recipes"
	PermManageRecipes        = "manage_recipes"
	PermViewBatches          = "view_batches"
	PermManageBatches        = "manage_batches"
	PermViewQualityControl   = "view_quality_control"
	PermManageQualityControl = "manage_quality_control"

	PermViewInventory     = "view_inventory"
	PermManageInventory   = "manage_inventory"
	PermViewIngredients   = "view_ingredients"
	PermManageIngredients = "manage_ingredients"
	PermViewPackaging     = "view_packaging"
	PermManagePackaging   = "manage_packaging"
	PermViewEquipment     = "view_equipment"
	PermManageEquipment   = "manage_equipment"

	PermViewSales          = "view_sales"
	PermManageSales        = "manage_sales"
	PermViewOrders         = "view_orders"
	PermManageOrders       = "manage_orders"
	PermViewCustomers      = "view_customers"
	PermManageCustomers    = "manage_customers"
	PermViewDistribution   = "view_distribution"
	PermManageDistribution = "manage_distribution"

	PermViewFinancials   = "view_financials"
	PermManageFinancials = "manage_financials"
	PermViewReports      = "view_reports"
	PermManageReports    = "manage_reports"
	PermViewAnalytics    = "view_analytics"
	PermExportData       = "export_data"

	PermViewCompliance      = "view_compliance"
	PermManageCompliance    = "manage_compliance"
	PermViewDocumentation   = "view_documentation"
	PermManageDocumentation = "manage_documentation"
	PermViewAudits          = "view_audits"
	PermManageAudits        = "manage_audits"

	PermViewIntegrations   = "view_integrations"
	PermManageIntegrations = "manage_integrations"
	PermViewLogs           = "view_logs"
	PermManageLogs         = "manage_logs"
	PermViewAPI            = "view_api"
	PermManageAPI          = "manage_api"
)

// Seeded role names.
const (
	RoleOwner    = "owner"
	RoleManager  = "manager"
	RoleEmployee = "employee"
	RoleSalesRep = "sales_rep"
	RoleBrewer   = "brewer"
)

// PermissionCategories groups the catalog for display.
var PermissionCategories = map[string][]string{
	"Core System": {PermAccessDashboard, PermViewTenantSettings, PermManageTenantSettings, PermManageUsers,
		PermManageRoles, PermViewBilling, PermManageBilling},
	"Production": {PermViewProduction, PermManageProduction, PermViewRecipes, PermManageRecipes,
		PermViewBatches, PermManageBatches, PermViewQualityControl, PermManageQualityControl},
	"Inventory": {PermViewInventory, PermManageInventory, PermViewIngredients, PermManageIngredients,
		PermViewPackaging, PermManagePackaging, PermViewEquipment, PermManageEquipment},
	"Sales & Distribution": {PermViewSales, PermManageSales, PermViewOrders, PermManageOrders,
		PermViewCustomers, PermManageCustomers, PermViewDistribution, PermManageDistribution},
	"Financial & Reporting": {PermViewFinancials, PermManageFinancials, PermViewReports, PermManageReports,
		PermViewAnalytics, PermExportData},
	"Compliance": {PermViewCompliance, PermManageCompliance, PermViewDocumentation, PermManageDocumentation,
		PermViewAudits, PermManageAudits},
	"Advanced": {PermViewIntegrations, PermManageIntegrations, PermViewLogs, PermManageLogs,
		PermViewAPI, PermManageAPI},
}

// AllTenantPermissions returns the sorted catalog.
func AllTenantPermissions() []string {
	var all []string
	for _, perms := range PermissionCategories {
		all = append(all, perms...)
	}
	sort.Strings(all)
	return all
}

// RoleDefinition is a seedable system role.
type RoleDefinition struct {
	Name        string
	DisplayName string
	Description string
	Permissions []string
}

// DefaultRoles returns the system roles seeded into every new tenant, owner first.
func DefaultRoles() []RoleDefinition {
	return []RoleDefinition{
		{
			Name:        RoleOwner,
			DisplayName: "Owner",
			Description: "Full access to all brewery operations and settings.",
			Permissions: AllTenantPermissions(),
		},
		{
			Name:        RoleManager,
			DisplayName: "Manager",
			Description: "Runs production, inventory, sales and reporting. Cannot manage users or billing.",
			Permissions: []string{
				PermAccessDashboard, PermViewTenantSettings, PermViewBilling,
				PermViewProduction, PermManageProduction, PermViewRecipes, PermManageRecipes,
				PermViewBatches, PermManageBatches, PermViewQualityControl, PermManageQualityControl,
				PermViewInventory, PermManageInventory, PermViewIngredients, PermManageIngredients,
				PermViewPackaging, PermManagePackaging, PermViewEquipment, PermManageEquipment,
				PermViewSales, PermManageSales, PermViewOrders, PermManageOrders,
				PermViewCustomers, PermManageCustomers, PermViewDistribution, PermManageDistribution,
				PermViewFinancials, PermViewReports, PermManageReports, PermViewAnalytics, PermExportData,
				PermViewCompliance, PermManageCompliance, PermViewDocumentation, PermManageDocumentation,
				PermViewAudits, PermManageAudits,
			},
		},
		{
			Name:        RoleEmployee,
			DisplayName: "Employee",
			Description: "Views operations and records daily activity.",
			Permissions: []string{
				PermAccessDashboard,
				PermViewProduction, PermViewRecipes, PermViewBatches, PermManageBatches,
				PermViewQualityControl, PermManageQualityControl,
				PermViewInventory, PermViewIngredients, PermViewPackaging, PermViewEquipment,
				PermViewSales, PermViewOrders, PermViewCustomers, PermViewDistribution,
				PermViewReports,
				PermViewCompliance, PermViewDocumentation, PermViewAudits,
			},
		},
		{
			Name:        RoleSalesRep,
			DisplayName: "Sales Representative",
			Description: "Customers, orders and sales reporting.",
			Permissions: []string{
				PermAccessDashboard,
				PermViewProduction, PermViewRecipes,
				PermViewInventory,
				PermViewSales, PermManageSales, PermViewOrders, PermManageOrders,
				PermViewCustomers, PermManageCustomers, PermViewDistribution,
				PermViewReports, PermViewAnalytics, PermExportData,
				PermViewCompliance, PermViewDocumentation,
			},
		},
		{
			Name:        RoleBrewer,
			DisplayName: "Brewer",
			Description: "Recipes, batches and quality control.",
			Permissions: []string{
				PermAccessDashboard,
				PermViewProduction, PermManageProduction, PermViewRecipes, PermManageRecipes,
				PermViewBatches, PermManageBatches, PermViewQualityControl, PermManageQualityControl,
				PermViewInventory, PermManageInventory, PermViewIngredients, PermManageIngredients,
				PermViewEquipment, PermManageEquipment,
				PermViewSales, PermViewOrders,
				PermViewReports, PermViewAnalytics,
				PermViewCompliance, PermManageCompliance, PermViewDocumentation, PermManageDocumentation,
				PermViewAudits, PermManageAudits,
			},
		},
	}
}

// IsDefaultRole reports whether name is one of the seeded roles.
func IsDefaultRole(name string) bool {
	for _, r := range DefaultRoles() {
		if r.Name == name {
			return true
		}
	}
	return false
}
