package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var governanceCmd = &cobra.Command{
	Use:   "governance",
	Short: "Print a tenant's governance summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			snap, err := app.View.Snapshot(ctx, tc)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			printHeader("🛡️ LoopDesk Governance: " + tc.TenantID)
			for _, status := range []string{"pending", "assigned", "completed", "expired"} {
				fmt.Printf("Requests %-10s %d\n", status+":", snap.RequestsByStatus[status])
			}
			fmt.Printf("Golden paths:       %d\n", snap.GoldenPaths)
			fmt.Printf("Events appended:    %d\n", snap.EventsAppended)
			fmt.Printf("Active playbooks:   %d\n", snap.ActivePlaybooks)
			if snap.PendingBreaches > 0 {
				color.Red("Pending breaches:   %d", snap.PendingBreaches)
			} else {
				fmt.Printf("Pending breaches:   0\n")
			}
			fmt.Printf("Escalation actions: %d\n", snap.EscalationActions)
			if snap.PipelineFailures > 0 {
				color.Yellow("Pipeline failures:  %d", snap.PipelineFailures)
			} else {
				fmt.Printf("Pipeline failures:  0\n")
			}
			return nil
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <subject-id>",
	Short: "Erase everything learned from a customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			res, err := app.Purger.PurgeSubject(ctx, tc, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Purged %s: %d golden path(s), %d graph record(s), tombstone seq %d\n",
				res.SubjectID, res.GoldenPaths, res.GraphRecords, res.TombstoneSeq)
			return nil
		})
	},
}

func init() {
	governanceCmd.Flags().String("tenant", "", "tenant id")
	governanceCmd.Flags().Bool("json", false, "emit JSON")
	purgeCmd.Flags().String("tenant", "", "tenant id")
}
