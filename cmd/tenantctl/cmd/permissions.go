package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pavitra93/go-brewery-tenancy/shared/access"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
)

var (
	permRole       string
	permLevel      string
	permDepartment string
	permCheck      string
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Print the effective platform permissions of a role, access level and department",
	RunE:  runPermissions,
}

func init() {
	permissionsCmd.Flags().StringVar(&permRole, "role", "", "System role")
	permissionsCmd.Flags().StringVar(&permLevel, "access-level", "", "Access level")
	permissionsCmd.Flags().StringVar(&permDepartment, "department", "", "Department")
	permissionsCmd.Flags().StringVar(&permCheck, "check", "", "Only report whether this permission is granted")
}

func runPermissions(cmd *cobra.Command, args []string) error {
	evaluator, err := access.LoadOverrides(config.AccessOverridesFile())
	if err != nil {
		return err
	}
	subject := access.Subject{Role: permRole, AccessLevel: permLevel, Department: permDepartment}
	out := cmd.OutOrStdout()

	if permCheck != "" {
		if !evaluator.HasPermission(subject, permCheck) {
			return fmt.Errorf("%s is not granted", permCheck)
		}
		fmt.Fprintf(out, "%s is granted\n", permCheck)
		return nil
	}

	for _, p := range evaluator.Permissions(subject) {
		fmt.Fprintln(out, p)
	}
	return nil
}
