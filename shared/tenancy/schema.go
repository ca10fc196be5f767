package tenancy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// SchemaManager creates and drops a tenant's isolated schema.
type SchemaManager interface {
	CreateSchema(ctx context.Context, t *models.Tenant) error
	DropSchema(ctx context.Context, t *models.Tenant) error
}

// PostgresSchemas manages tenant schemas on the shared postgres database.
type PostgresSchemas struct {
	db *gorm.DB
}

func NewPostgresSchemas(db *gorm.DB) *PostgresSchemas {
	return &PostgresSchemas{db: db}
}

func (s *PostgresSchemas) CreateSchema(ctx context.Context, t *models.Tenant) error {
	if t.SchemaName == "" {
		return fmt.Errorf("tenant %s has no schema name", t.ID)
	}
	stmt := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{t.SchemaName}.Sanitize()
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("create schema %s: %w", t.SchemaName, err)
	}
	return nil
}

func (s *PostgresSchemas) DropSchema(ctx context.Context, t *models.Tenant) error {
	if t.SchemaName == "" {
		return nil
	}
	stmt := "DROP SCHEMA IF EXISTS " + pgx.Identifier{t.SchemaName}.Sanitize() + " CASCADE"
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("drop schema %s: %w", t.SchemaName, err)
	}
	return nil
}
