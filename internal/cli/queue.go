package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopdesk/loopdesk/internal/hitl"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the approval queue",
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an approval request",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		agentID, _ := cmd.Flags().GetString("agent")
		priority, _ := cmd.Flags().GetString("priority")
		question, _ := cmd.Flags().GetString("question")
		contextJSON, _ := cmd.Flags().GetString("context")
		options, _ := cmd.Flags().GetStringSlice("option")
		dedupKey, _ := cmd.Flags().GetString("dedup-key")

		var reqCtx map[string]any
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &reqCtx); err != nil {
				return fmt.Errorf("parse --context: %w", err)
			}
		}
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			id, err := app.Queue.Submit(ctx, tc, &hitl.Request{
				AgentID:  agentID,
				Priority: priority,
				Question: question,
				Context:  reqCtx,
				Options:  options,
				DedupKey: dedupKey,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var queueClaimCmd = &cobra.Command{
	Use:   "claim <request-id>",
	Short: "Claim a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			if err := app.Queue.Claim(ctx, tc, args[0], reviewer); err != nil {
				return err
			}
			fmt.Printf("Claimed %s for %s\n", args[0], reviewer)
			return nil
		})
	},
}

var queueRespondCmd = &cobra.Command{
	Use:   "respond <request-id>",
	Short: "Record a decision on an assigned request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		decision, _ := cmd.Flags().GetString("decision")
		notes, _ := cmd.Flags().GetString("notes")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			if err := app.Queue.Respond(ctx, tc, args[0], reviewer, decision, notes); err != nil {
				return err
			}
			fmt.Printf("Recorded %s on %s\n", decision, args[0])
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests, highest priority first",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			requests, err := app.Queue.List(ctx, tc, hitl.ListFilter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			for _, r := range requests {
				assignee := r.AssignedTo
				if assignee == "" {
					assignee = "-"
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", r.RequestID, r.Priority, r.Status, assignee, r.Question)
			}
			return nil
		})
	},
}

var queueGetCmd = &cobra.Command{
	Use:   "get <request-id>",
	Short: "Show a request as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			req, err := app.Queue.Get(ctx, tc, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(req)
		})
	},
}

var queueFeedbackCmd = &cobra.Command{
	Use:   "feedback <request-id>",
	Short: "Attach a satisfaction score to a completed request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		score, _ := cmd.Flags().GetFloat64("score")
		return withApp(func(ctx context.Context, app *App) error {
			tc, err := resolveTenant(ctx, app, tenantID)
			if err != nil {
				return err
			}
			return app.Queue.RecordFeedback(ctx, tc, args[0], score)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{queueSubmitCmd, queueClaimCmd, queueRespondCmd, queueListCmd, queueGetCmd, queueFeedbackCmd} {
		c.Flags().String("tenant", "", "tenant id")
	}
	queueSubmitCmd.Flags().String("agent", "", "submitting agent id")
	queueSubmitCmd.Flags().String("priority", hitl.PriorityMedium, "critical|high|medium|low")
	queueSubmitCmd.Flags().String("question", "", "question for the reviewer")
	queueSubmitCmd.Flags().String("context", "", "request context as JSON")
	queueSubmitCmd.Flags().StringSlice("option", nil, "proposed option (repeatable)")
	queueSubmitCmd.Flags().String("dedup-key", "", "idempotency key")
	queueClaimCmd.Flags().String("reviewer", "", "reviewer id")
	queueRespondCmd.Flags().String("reviewer", "", "reviewer id")
	queueRespondCmd.Flags().String("decision", "", "approve|reject|edit")
	queueRespondCmd.Flags().String("notes", "", "reviewer notes")
	queueListCmd.Flags().String("status", "", "filter by status")
	queueListCmd.Flags().Int("limit", 0, "max rows")
	queueFeedbackCmd.Flags().Float64("score", 0, "satisfaction score in [0,5]")

	queueCmd.AddCommand(queueSubmitCmd)
	queueCmd.AddCommand(queueClaimCmd)
	queueCmd.AddCommand(queueRespondCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueGetCmd)
	queueCmd.AddCommand(queueFeedbackCmd)
}
