package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loopdesk/loopdesk/internal/hitl"
)

var reviewerCmd = &cobra.Command{
	Use:   "reviewer",
	Short: "Manage the reviewer roster",
}

var reviewerAddCmd = &cobra.Command{
	Use:   "add <reviewer-id>",
	Short: "Register or reactivate a reviewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			reviewers := hitl.NewReviewers(app.store.DB())
			return reviewers.Register(ctx, tc, args[0])
		})
	},
}

var reviewerRemoveCmd = &cobra.Command{
	Use:   "remove <reviewer-id>",
	Short: "Deactivate a reviewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			reviewers := hitl.NewReviewers(app.store.DB())
			return reviewers.Deactivate(ctx, tc, args[0])
		})
	},
}

var reviewerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviewers with open assignment counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			reviewers := hitl.NewReviewers(app.store.DB())
			roster, err := reviewers.List(ctx, tc)
			if err != nil {
				return err
			}
			for _, r := range roster {
				state := "active"
				if !r.Active {
					state = "inactive"
				}
				fmt.Printf("%s\t%s\topen=%d\n", r.ReviewerID, state, r.OpenCount)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{reviewerAddCmd, reviewerRemoveCmd, reviewerListCmd} {
		c.Flags().String("tenant", "", "tenant id")
	}
	reviewerCmd.AddCommand(reviewerAddCmd)
	reviewerCmd.AddCommand(reviewerRemoveCmd)
	reviewerCmd.AddCommand(reviewerListCmd)
}
