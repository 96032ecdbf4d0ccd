package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var playbookCmd = &cobra.Command{
	Use:   "playbook",
	Short: "Inspect and refresh mined playbooks",
}

var playbookExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Mine the activity graph for updated playbooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			n, err := app.Playbook.Extract(ctx, tc)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %d playbook(s)\n", n)
			return nil
		})
	},
}

var playbookSuggestCmd = &cobra.Command{
	Use:   "suggest <category>",
	Short: "Show the suggested playbook for a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			pb, err := app.Playbook.Suggest(ctx, tc, args[0])
			if err != nil {
				return err
			}
			if pb == nil {
				fmt.Println("No playbook has earned suggestion yet")
				return nil
			}
			fmt.Printf("%s (samples=%d rate=%.2f)\n", pb.PlaybookID, pb.SampleCount, pb.SuccessRate)
			for i, step := range pb.Steps {
				fmt.Printf("  %d. %s\n", i+1, step)
			}
			return nil
		})
	},
}

var playbookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's playbooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			playbooks, err := app.Playbook.List(ctx, tc)
			if err != nil {
				return err
			}
			for _, pb := range playbooks {
				fmt.Printf("%s\t%s\t%s\tsamples=%d\trate=%.2f\t%s\n",
					pb.PlaybookID, pb.Category, pb.Status, pb.SampleCount, pb.SuccessRate,
					strings.Join(pb.Steps, " > "))
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{playbookExtractCmd, playbookSuggestCmd, playbookListCmd} {
		c.Flags().String("tenant", "", "tenant id")
	}
	playbookCmd.AddCommand(playbookExtractCmd)
	playbookCmd.AddCommand(playbookSuggestCmd)
	playbookCmd.AddCommand(playbookListCmd)
}
