package cmd

import (
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tenantctl",
	Short: "Operator tool for brewery tenancy",
	Long:  `Runs migrations, provisions tenants, revokes tokens and inspects access grants against the configured database and redis.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(envFile); err != nil {
			logrus.Debugf("no env file %s, using environment variables", envFile)
		}
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(revokeTokensCmd)
	rootCmd.AddCommand(permissionsCmd)
}
