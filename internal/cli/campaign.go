package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/notify"
	"github.com/akvistad/attest/internal/phase"
)

var campaignSignoffActor string

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(campaignListCmd)
	campaignCmd.AddCommand(campaignStatusCmd)
	campaignCmd.AddCommand(campaignSignoffCmd)

	campaignSignoffCmd.Flags().StringVar(&campaignSignoffActor, "actor", "", "signing identity (required)")
	campaignSignoffCmd.MarkFlagRequired("actor")
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage review campaigns",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		campaigns, err := db.NewCampaignRepository(database).List(ctx)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, campaigns)
		}
		if len(campaigns) == 0 {
			printf("No campaigns.\n")
			return nil
		}

		rows := make([][]string, 0, len(campaigns))
		for _, c := range campaigns {
			rows = append(rows, []string{
				c.ID,
				c.Name,
				string(c.Type),
				string(c.Phase),
				fmt.Sprintf("%d/%d", c.CompletedItems, c.TotalItems),
				formatYesNo(c.Signed),
			})
		}
		return writeTable(os.Stdout,
			[]string{"ID", "NAME", "TYPE", "PHASE", "ITEMS", "SIGNED"}, rows)
	},
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		campaign, err := db.NewCampaignRepository(database).Get(ctx, args[0])
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, campaign)
		}

		printf("Campaign:     %s (%s)\n", campaign.Name, campaign.ID)
		printf("Type:         %s\n", campaign.Type)
		printf("Phase:        %s\n", campaign.Phase)
		if campaign.PhaseEnd != nil {
			printf("Phase ends:   %s\n", campaign.PhaseEnd.Format("2006-01-02 15:04"))
		}
		printf("Items:        %d/%d decided\n", campaign.CompletedItems, campaign.TotalItems)
		printf("Entities:     %d/%d complete\n", campaign.CompletedEntities, campaign.TotalEntities)
		printf("Delegations:  %d active\n", campaign.ActiveDelegations)
		printf("Signed:       %s\n", formatYesNo(campaign.Signed))
		if campaign.ReadyForSignoff() {
			printf("Ready for signoff.\n")
		}
		return nil
	},
}

var campaignSignoffCmd = &cobra.Command{
	Use:   "signoff <campaign-id>",
	Short: "Sign off a complete campaign",
	Long: `Sign off a campaign once every item and entity is decided and no
delegation is pending. Sign-off is terminal: no further decisions are
accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		machine := phase.NewMachine(db.NewSession(database), phase.Config{Notifier: notify.LogNotifier{}})
		if err := machine.SignOff(ctx, args[0], campaignSignoffActor); err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"campaign_id": args[0],
				"signed":      true,
				"actor":       campaignSignoffActor,
			})
		}
		printf("Campaign %s signed off by %s\n", args[0], campaignSignoffActor)
		return nil
	},
}

// campaignPhaseDefaults merges the configured defaults into a campaign
// that does not set its own lifecycle options.
func campaignPhaseDefaults(campaign *models.Campaign) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pc := &campaign.PhaseConfig
	if pc.ChallengeDuration == 0 {
		pc.ChallengeDuration = cfg.PhaseDefaults.ChallengeDuration
	}
	if pc.RemediationDuration == 0 {
		pc.RemediationDuration = cfg.PhaseDefaults.RemediationDuration
	}
	return nil
}
