package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/decision"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/models"
)

var (
	decideFile    string
	decideKind    string
	decideItems   []string
	decideDecider string
	decideComment string
)

func init() {
	rootCmd.AddCommand(decideCmd)

	decideCmd.Flags().StringVarP(&decideFile, "file", "f", "", "yaml file holding a decision batch")
	decideCmd.Flags().StringVar(&decideKind, "kind", "", "decision kind (approve, remediate, mitigate, undo, ...)")
	decideCmd.Flags().StringSliceVar(&decideItems, "item", nil, "target item id (repeatable)")
	decideCmd.Flags().StringVar(&decideDecider, "decider", "", "acting identity")
	decideCmd.Flags().StringVar(&decideComment, "comment", "", "decision comment")
}

var decideCmd = &cobra.Command{
	Use:   "decide <campaign-id>",
	Short: "Apply decisions to a campaign",
	Long: `Apply a batch of decisions to a campaign. Either pass a yaml file
with --file holding a list of decisions, or describe a single decision
with --kind, --item and --decider.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		decisions, err := collectDecisions()
		if err != nil {
			return err
		}

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
		processor := decision.NewProcessor(db.NewSession(database), decision.Config{
			BatchSize:         cfg.Decision.BatchSize,
			ChunkSize:         cfg.Decision.ChunkSize,
			LockWait:          cfg.Decision.LockWait,
			ReassignmentLimit: cfg.Decision.ReassignmentLimit,
			Hooks:             runner,
		})

		results, err := processor.Decide(ctx, args[0], decisions)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, results)
		}
		printf("Status: %s\n", results.Status)
		printf("Progress: %d/%d items, %d/%d entities, %d active delegations\n",
			results.CompletedItems, results.TotalItems,
			results.CompletedEntities, results.TotalEntities,
			results.ActiveDelegations)
		if len(results.InvalidItemIDs) > 0 {
			printf("Invalid items: %v\n", results.InvalidItemIDs)
		}
		for _, warning := range results.Warnings {
			printf("  warning: %s\n", warning)
		}
		for _, decisionErr := range results.Errors {
			printf("  error: %s\n", decisionErr)
		}
		if results.ReadyForSignoff {
			printf("Campaign is ready for signoff.\n")
		}
		return nil
	},
}

func collectDecisions() ([]models.Decision, error) {
	if decideFile != "" {
		raw, err := os.ReadFile(decideFile)
		if err != nil {
			return nil, err
		}
		var batch struct {
			Decisions []models.Decision `yaml:"decisions"`
		}
		if err := yaml.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", decideFile, err)
		}
		if len(batch.Decisions) == 0 {
			return nil, errors.New("decision file holds no decisions")
		}
		return batch.Decisions, nil
	}

	if decideKind == "" || decideDecider == "" {
		return nil, errors.New("either --file or both --kind and --decider are required")
	}
	if len(decideItems) == 0 {
		return nil, errors.New("at least one --item is required")
	}
	return []models.Decision{{
		Kind:      models.DecisionKind(decideKind),
		Selection: models.Selection{ItemIDs: decideItems},
		Decider:   decideDecider,
		Comments:  decideComment,
	}}, nil
}
