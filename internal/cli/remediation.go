package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/akvistad/attest/internal/audit"
	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/events"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/remediation"
)

func init() {
	rootCmd.AddCommand(remediationCmd)
	remediationCmd.AddCommand(remediationFlushCmd)
}

var remediationCmd = &cobra.Command{
	Use:   "remediation",
	Short: "Manage remediation dispatch",
}

var remediationFlushCmd = &cobra.Command{
	Use:   "flush <campaign-id>",
	Short: "Dispatch pending remediation work",
	Long: `Calculate remediation plans for every item marked ready and
dispatch them: provisioning requests for integrated applications,
work items for everything else.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		runner, err := hooks.LoadScripts(cfg.Hooks.Dir)
		if err != nil {
			return err
		}
		publisher := events.NewInMemoryPublisher(events.WithRepository(db.NewEventRepository(database)))
		manager := remediation.NewManager(db.NewSession(database), remediation.Config{
			Hooks:             runner,
			Auditor:           audit.NewEventAuditor(publisher),
			DefaultRemediator: cfg.Remediation.DefaultRemediator,
			BatchSize:         cfg.Remediation.BatchSize,
		})
		if err := manager.Flush(ctx, args[0]); err != nil {
			return err
		}

		open, err := db.NewWorkItemRepository(database).ListOpenByCampaign(ctx, args[0], models.WorkItemTypeRemediation)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"campaign_id":     args[0],
				"open_work_items": len(open),
			})
		}
		printf("Remediation flushed for campaign %s (%d open work items)\n", args[0], len(open))
		return nil
	},
}
