package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the shared tables",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := config.ConnectDatabase()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	tables := models.All()
	if err := db.WithContext(cmd.Context()).AutoMigrate(tables...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	logrus.WithField("tables", len(tables)).Info("migration complete")
	return nil
}
