package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/notify"
	"github.com/akvistad/attest/internal/phase"
)

func init() {
	rootCmd.AddCommand(phaseCmd)
	phaseCmd.AddCommand(phaseAdvanceCmd)
}

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Drive campaign lifecycle transitions",
}

var phaseAdvanceCmd = &cobra.Command{
	Use:   "advance <campaign-id>",
	Short: "Advance a campaign to its next phase",
	Long: `Advance a campaign to its next phase immediately, without waiting
for the scheduler. Skipped phases are passed over.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		machine := phase.NewMachine(db.NewSession(database), phase.Config{Notifier: notify.LogNotifier{}})
		if err := machine.AdvanceCampaign(ctx, args[0]); err != nil {
			return err
		}

		campaign, err := db.NewCampaignRepository(database).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"campaign_id": campaign.ID,
				"phase":       campaign.Phase,
			})
		}
		printf("Campaign %s is now in phase %s\n", campaign.ID, campaign.Phase)
		return nil
	},
}
