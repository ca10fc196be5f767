package tenancy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return NewRepository(db), mock
}

func TestUserHasAccessToTenantCountsActiveOnly(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID, tenantID := uuid.New(), uuid.New()

	// The only membership is invited, so no active row matches.
	mock.ExpectQuery(`SELECT count\(\*\) FROM "tenant_users" WHERE user_id = \$1 AND tenant_id = \$2 AND status = \$3`).
		WithArgs(userID, tenantID, string(models.MembershipActive)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := repo.UserHasAccessToTenant(context.Background(), userID, tenantID)
	if err != nil {
		t.Fatalf("UserHasAccessToTenant: %v", err)
	}
	if ok {
		t.Fatal("invited membership granted access")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleInTenantWithoutActiveMembership(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "tenant_users" WHERE user_id = \$1 AND tenant_id = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	role, ok, err := repo.RoleInTenant(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("RoleInTenant: %v", err)
	}
	if ok || role != "" {
		t.Fatalf("got role %q ok=%v", role, ok)
	}
}

func TestRoleInTenantActiveMembership(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "tenant_users" WHERE user_id = \$1 AND tenant_id = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "status"}).AddRow(uuid.NewString(), RoleBrewer, "active"))

	role, ok, err := repo.RoleInTenant(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("RoleInTenant: %v", err)
	}
	if !ok || role != RoleBrewer {
		t.Fatalf("got role %q ok=%v", role, ok)
	}
}

func TestByIDMissingIsNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "tenants" WHERE id = \$1 AND is_active = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ByID(context.Background(), uuid.New())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestByIDSurfacesDriverErrors(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "tenants"`).WillReturnError(errors.New("connection refused"))

	_, err := repo.ByID(context.Background(), uuid.New())
	if err == nil || apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSlugExists(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "tenants" WHERE slug = \$1`).
		WithArgs("austin-ale-works").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	taken, err := repo.SlugExists(context.Background(), "austin-ale-works")
	if err != nil {
		t.Fatalf("SlugExists: %v", err)
	}
	if !taken {
		t.Fatal("slug should be taken")
	}
}

func TestBreweriesForNoTenantsSkipsQuery(t *testing.T) {
	repo, mock := newMockRepository(t)
	breweries, err := repo.BreweriesForTenants(context.Background(), nil)
	if err != nil || breweries != nil {
		t.Fatalf("got %v, %v", breweries, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "idx_tenants_slug"}
	cases := []struct {
		err  error
		want bool
	}{
		{pgErr, true},
		{fmt.Errorf("insert: %w", pgErr), true},
		{gorm.ErrDuplicatedKey, true},
		{&pgconn.PgError{Code: "23503"}, false},
		{errors.New("duplicate"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsUniqueViolation(tc.err); got != tc.want {
			t.Errorf("IsUniqueViolation(%v) = %v", tc.err, got)
		}
	}
	if got := violatedConstraint(fmt.Errorf("wrap: %w", pgErr)); got != "idx_tenants_slug" {
		t.Fatalf("constraint = %q", got)
	}
}
