package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/users"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

var (
	provisionName       string
	provisionOwnerEmail string
	provisionSlug       string
	provisionSubdomain  string
	provisionPlan       string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create a tenant owned by an existing user",
	Long:  `Runs the same provisioning flow as POST /tenants: slug selection with collision retry, schema creation and role seeding.`,
	RunE:  runProvision,
}

func init() {
	provisionCmd.Flags().StringVar(&provisionName, "name", "", "Brewery name")
	provisionCmd.Flags().StringVar(&provisionOwnerEmail, "owner-email", "", "Email of the owning user")
	provisionCmd.Flags().StringVar(&provisionSlug, "slug", "", "Requested slug (derived from the name when empty)")
	provisionCmd.Flags().StringVar(&provisionSubdomain, "subdomain", "", "Subdomain")
	provisionCmd.Flags().StringVar(&provisionPlan, "plan", "", "Plan type")
	provisionCmd.MarkFlagRequired("name")
	provisionCmd.MarkFlagRequired("owner-email")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logrus.StandardLogger()

	db, err := config.ConnectDatabase()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	owner, err := users.NewRepository(db).ByEmail(ctx, provisionOwnerEmail)
	if err != nil {
		return fmt.Errorf("owner %s: %w", provisionOwnerEmail, err)
	}

	// the resolver only needs redis to drop stale negative lookups
	var cache *utils.Cache
	if client, err := utils.InitRedis(ctx); err != nil {
		logger.WithError(err).Warn("redis unavailable, tenant cache not invalidated")
	} else {
		defer client.Close()
		cache = utils.NewCache(client)
	}

	tenancyCfg := config.GetTenancyConfig()
	repo := tenancy.NewRepository(db)
	resolver := tenancy.NewResolver(repo, cache, tenancyCfg.BaseDomain, tenancyCfg.CacheTTL, logger)
	provisioner := tenancy.NewProvisioner(repo, tenancy.NewPostgresSchemas(db), resolver, tenancy.NoopBilling{}, tenancyCfg, logger)

	res, err := provisioner.Provision(ctx, tenancy.Request{
		Name:      provisionName,
		Slug:      provisionSlug,
		Subdomain: provisionSubdomain,
		PlanType:  provisionPlan,
		Owner:     owner,
	})
	if err != nil {
		return err
	}

	ev := audit.NewEvent(audit.ActionTenantCreated, &owner.ID, &res.Tenant.ID)
	ev.ResourceType, ev.ResourceID = "tenant", res.Tenant.ID.String()
	ev.Metadata["via"] = "tenantctl"
	rec, flush := recorder(logger)
	rec.Record(ctx, ev)
	flush()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tenant    %s\n", res.Tenant.ID)
	fmt.Fprintf(out, "slug      %s\n", res.Tenant.Slug)
	fmt.Fprintf(out, "schema    %s\n", res.Tenant.SchemaName)
	fmt.Fprintf(out, "owner     %s\n", owner.Email)
	fmt.Fprintf(out, "attempts  %d\n", res.Attempts)
	return nil
}
