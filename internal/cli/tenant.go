package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants and quotas",
}

var tenantProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a tenant (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		tier, _ := cmd.Flags().GetString("tier")
		prefix, _ := cmd.Flags().GetString("prefix")
		if id == "" {
			return fmt.Errorf("--id is required")
		}
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := app.Tenants.Provision(ctx, id, tier, prefix)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned %s (tier=%s)\n", tc.TenantID, tc.Tier)
			return nil
		})
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *App) error {
			tenants, err := app.Tenants.List(ctx)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Printf("%s\ttier=%s\tcreated=%s\n", t.TenantID, t.Tier, t.CreatedAt.Format("2006-01-02"))
			}
			return nil
		})
	},
}

var tenantQuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Set a resource quota for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		resource, _ := cmd.Flags().GetString("resource")
		limit, _ := cmd.Flags().GetInt64("limit")
		if resource == "" {
			return fmt.Errorf("--resource is required")
		}
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			if err := app.Tenants.SetQuota(ctx, tc, resource, limit); err != nil {
				return err
			}
			used, _, err := app.Tenants.Usage(ctx, tc, resource)
			if err != nil {
				return err
			}
			fmt.Printf("Quota %s/%s set to %d (used %d)\n", tc.TenantID, resource, limit, used)
			return nil
		})
	},
}

func init() {
	tenantProvisionCmd.Flags().String("id", "", "tenant id")
	tenantProvisionCmd.Flags().String("tier", "standard", "tenant tier")
	tenantProvisionCmd.Flags().String("prefix", "", "namespace prefix")
	tenantQuotaCmd.Flags().String("tenant", "", "tenant id")
	tenantQuotaCmd.Flags().String("resource", "", "resource name, e.g. hitl_requests")
	tenantQuotaCmd.Flags().Int64("limit", 0, "limit (0 = unlimited)")

	tenantCmd.AddCommand(tenantProvisionCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantQuotaCmd)
}
