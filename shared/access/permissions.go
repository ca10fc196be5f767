package access

import "github.com/pavitra93/go-brewery-tenancy/shared/models"

// Platform permissions evaluated by Evaluator.
const (
	DashboardView = "dashboard.view"

	ProductionView             = "production.view"
	ProductionManageBatches    = "production.manage_batches"
	ProductionManageRecipes    = "production.manage_recipes"
	ProductionManageStyles     = "production.manage_styles"
	ProductionViewBatchDetails = "production.view_batch_details"
	ProductionEditBatchSteps   = "production.edit_batch_steps"

	InventoryView          = "inventory.view"
	InventoryManageStock   = "inventory.manage_stock"
	InventoryViewCounts    = "inventory.view_counts"
	InventoryPerformCounts = "inventory.perform_counts"
	InventoryAdjust        = "inventory.adjust_inventory"

	SalesView               = "sales.view"
	SalesManageOrders       = "sales.manage_orders"
	SalesManageCustomers    = "sales.manage_customers"
	SalesManageProducts     = "sales.manage_products"
	SalesViewCustomerVisits = "sales.view_customer_visits"
	SalesRecordVisits       = "sales.record_visits"

	EquipmentView                = "equipment.view"
	EquipmentManage              = "equipment.manage_equipment"
	EquipmentScheduleMaintenance = "equipment.schedule_maintenance"
	EquipmentRecordService       = "equipment.record_service"

	TeamView            = "team.view"
	TeamManageEmployees = "team.manage_employees"
	TeamManageAccess    = "team.manage_access"
	TeamViewPayroll     = "team.view_payroll"

	ReportsView           = "reports.view"
	ReportsViewProduction = "reports.view_production"
	ReportsViewSales      = "reports.view_sales"
	ReportsViewInventory  = "reports.view_inventory"
	ReportsViewFinancial  = "reports.view_financial"

	SettingsView               = "settings.view"
	SettingsManageBrewery      = "settings.manage_brewery"
	SettingsManageBilling      = "settings.manage_billing"
	SettingsManageIntegrations = "settings.manage_integrations"
)

// Employee access levels.
const (
	LevelAdmin      = "admin"
	LevelSupervisor = "supervisor"
	LevelStandard   = "standard"
	LevelReadOnly   = "read_only"
)

// Departments.
const (
	DeptBrewing     = "brewing"
	DeptSales       = "sales"
	DeptQuality     = "quality"
	DeptMaintenance = "maintenance"
	DeptAdmin       = "admin"
)

var (
	production = []string{ProductionView, ProductionManageBatches, ProductionManageRecipes,
		ProductionManageStyles, ProductionViewBatchDetails, ProductionEditBatchSteps}
	inventory = []string{InventoryView, InventoryManageStock, InventoryViewCounts,
		InventoryPerformCounts, InventoryAdjust}
	sales = []string{SalesView, SalesManageOrders, SalesManageCustomers, SalesManageProducts,
		SalesViewCustomerVisits, SalesRecordVisits}
	equipment = []string{EquipmentView, EquipmentManage, EquipmentScheduleMaintenance, EquipmentRecordService}
	team      = []string{TeamView, TeamManageEmployees, TeamManageAccess, TeamViewPayroll}
	reports   = []string{ReportsView, ReportsViewProduction, ReportsViewSales, ReportsViewInventory,
		ReportsViewFinancial}
	settings = []string{SettingsView, SettingsManageBrewery, SettingsManageBilling, SettingsManageIntegrations}
)

// All returns every platform permission.
func All() []string {
	return concat([]string{DashboardView}, production, inventory, sales, equipment, team, reports, settings)
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func without(perms []string, drop ...string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, p := range perms {
		if !skip[p] {
			out = append(out, p)
		}
	}
	return out
}

// DefaultTables returns the built-in grant tables. Only the tenant owner
// system role carries grants; the other system roles get theirs through
// access level and department.
func DefaultTables() Tables {
	return Tables{
		SystemRoles: map[string][]string{
			models.SystemRoleTenantOwner: All(),
		},
		AccessLevels: map[string][]string{
			LevelAdmin: without(All(), SettingsManageBilling),
			LevelSupervisor: concat(
				[]string{DashboardView}, production, inventory, sales,
				[]string{EquipmentView, EquipmentScheduleMaintenance, EquipmentRecordService, TeamView},
				reports,
				[]string{SettingsView},
			),
			LevelStandard: {
				DashboardView, ProductionView, ProductionViewBatchDetails, InventoryView,
				SalesView, EquipmentView, ReportsView, SettingsView,
			},
			LevelReadOnly: {
				DashboardView, ProductionView, InventoryView, SalesView, EquipmentView, ReportsView,
			},
		},
		Departments: map[string][]string{
			DeptBrewing: concat(production, []string{InventoryManageStock, EquipmentManage, EquipmentRecordService}),
			DeptSales:   concat(sales, []string{InventoryView, ReportsViewSales}),
			DeptQuality: {
				ProductionViewBatchDetails, ProductionEditBatchSteps, InventoryViewCounts, InventoryPerformCounts,
			},
			DeptMaintenance: concat(equipment, []string{InventoryView, InventoryManageStock}),
			DeptAdmin:       concat(team, reports, []string{SettingsManageBrewery, SettingsManageBilling}),
		},
	}
}
