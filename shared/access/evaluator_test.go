package access

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

func TestUnionAcrossAxes(t *testing.T) {
	e := Default()
	// brewery-manager has no role grants; the level and department supply them.
	s := Subject{Role: models.SystemRoleBreweryManager, AccessLevel: LevelReadOnly, Department: DeptSales}

	if !e.HasPermission(s, ProductionView) {
		t.Error("read_only level should grant production.view")
	}
	if !e.HasPermission(s, SalesManageOrders) {
		t.Error("sales department should grant sales.manage_orders")
	}
	if !e.HasAll(s, ProductionView, SalesManageOrders) {
		t.Error("union should hold both")
	}
	if e.HasPermission(s, TeamManageAccess) {
		t.Error("no axis grants team.manage_access")
	}
}

func TestNoAxisRevokes(t *testing.T) {
	e := Default()
	owner := Subject{Role: models.SystemRoleTenantOwner, AccessLevel: LevelReadOnly, Department: DeptQuality}
	for _, p := range All() {
		if !e.HasPermission(owner, p) {
			t.Errorf("tenant owner lost %s to a narrower axis", p)
		}
	}
}

func TestAccessLevels(t *testing.T) {
	e := Default()
	cases := []struct {
		level string
		perm  string
		want  bool
	}{
		{LevelAdmin, TeamManageAccess, true},
		{LevelAdmin, SettingsManageBilling, false},
		{LevelSupervisor, InventoryAdjust, true},
		{LevelSupervisor, EquipmentManage, false},
		{LevelSupervisor, ReportsViewFinancial, true},
		{LevelStandard, ProductionViewBatchDetails, true},
		{LevelStandard, ProductionManageBatches, false},
		{LevelReadOnly, SettingsView, false},
		{"contractor", DashboardView, false},
	}
	for _, tc := range cases {
		if got := e.HasPermission(Subject{AccessLevel: tc.level}, tc.perm); got != tc.want {
			t.Errorf("%s/%s = %v, want %v", tc.level, tc.perm, got, tc.want)
		}
	}
}

func TestEmptySubjectHasNothing(t *testing.T) {
	e := Default()
	if len(e.Permissions(Subject{})) != 0 {
		t.Fatal("empty subject should have no permissions")
	}
	if e.HasAny(Subject{}, All()...) {
		t.Fatal("HasAny on empty subject")
	}
	if !e.HasAll(Subject{}) {
		t.Fatal("HasAll with no permissions is vacuously true")
	}
}

func TestPermissionsIsSortedUnion(t *testing.T) {
	e := Default()
	got := e.Permissions(Subject{AccessLevel: LevelReadOnly, Department: DeptQuality})
	if len(got) != 10 {
		t.Fatalf("got %d permissions: %v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("not sorted or duplicated: %v", got)
		}
	}
}

func TestMergeDoesNotMutateOriginal(t *testing.T) {
	base := Default()
	merged := base.Merge(Tables{Departments: map[string][]string{DeptQuality: {ReportsViewProduction}}})

	s := Subject{Department: DeptQuality}
	if !merged.HasPermission(s, ReportsViewProduction) {
		t.Fatal("merged grant missing")
	}
	if !merged.HasPermission(s, InventoryPerformCounts) {
		t.Fatal("merge dropped an existing grant")
	}
	if base.HasPermission(s, ReportsViewProduction) {
		t.Fatal("base evaluator was mutated")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.json")
	body := `{"system_roles": {"employee": ["dashboard.view"]}, "access_levels": {"contractor": ["equipment.view"]}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	e, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if !e.HasPermission(Subject{Role: models.SystemRoleEmployee}, DashboardView) {
		t.Error("role override not applied")
	}
	if !e.HasPermission(Subject{AccessLevel: "contractor"}, EquipmentView) {
		t.Error("new access level not applied")
	}
	if !e.HasPermission(Subject{Role: models.SystemRoleTenantOwner}, SettingsManageBilling) {
		t.Error("defaults lost")
	}

	if _, err := LoadOverrides(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
	if e, err := LoadOverrides(""); err != nil || e == nil {
		t.Errorf("empty path: %v", err)
	}
}
