package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/models"
)

func init() {
	campaignCmd.AddCommand(campaignImportCmd)
}

// importFile is the yaml shape accepted by `attest campaign import`.
// Durations are strings ("72h") so campaign authors never write
// nanosecond integers.
type importFile struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	PhaseConfig struct {
		Rolling             bool   `yaml:"rolling"`
		SkipChallenge       bool   `yaml:"skip_challenge"`
		SkipRemediation     bool   `yaml:"skip_remediation"`
		ChallengeDuration   string `yaml:"challenge_duration"`
		RemediationDuration string `yaml:"remediation_duration"`
	} `yaml:"phase_config"`
	Entities []importEntity `yaml:"entities"`
}

type importEntity struct {
	Kind       string       `yaml:"kind"`
	TargetName string       `yaml:"target_name"`
	TargetID   string       `yaml:"target_id"`
	Reviewer   string       `yaml:"reviewer"`
	Items      []importItem `yaml:"items"`
}

type importItem struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create a campaign from a yaml definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var file importFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		if file.Name == "" {
			return fmt.Errorf("campaign name is required")
		}
		if len(file.Entities) == 0 {
			return fmt.Errorf("campaign has no entities")
		}

		campaign, err := buildCampaign(&file)
		if err != nil {
			return err
		}

		database, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		campaignRepo := db.NewCampaignRepository(database)
		entityRepo := db.NewEntityRepository(database)
		itemRepo := db.NewItemRepository(database)

		if err := campaignRepo.Create(ctx, campaign); err != nil {
			return err
		}

		totalItems := 0
		for i := range file.Entities {
			spec := &file.Entities[i]
			if spec.TargetName == "" {
				return fmt.Errorf("entities[%d].target_name is required", i)
			}
			entity := &models.Entity{
				CampaignID: campaign.ID,
				Kind:       models.EntityKind(spec.Kind),
				TargetName: spec.TargetName,
				TargetID:   spec.TargetID,
				Reviewer:   spec.Reviewer,
			}
			if entity.Kind == "" {
				entity.Kind = models.EntityKindIdentity
			}
			if err := entityRepo.Create(ctx, entity); err != nil {
				return err
			}

			for j := range spec.Items {
				itemSpec := &spec.Items[j]
				payload, err := json.Marshal(itemSpec.Payload)
				if err != nil {
					return fmt.Errorf("entities[%d].items[%d]: %w", i, j, err)
				}
				item := &models.Item{
					CampaignID: campaign.ID,
					EntityID:   entity.ID,
					Type:       models.ItemType(itemSpec.Type),
					Phase:      campaign.Phase,
					Payload:    payload,
				}
				if item.Type == "" {
					return fmt.Errorf("entities[%d].items[%d].type is required", i, j)
				}
				if err := itemRepo.Create(ctx, item); err != nil {
					return err
				}
				totalItems++
			}
		}

		campaign.TotalItems = totalItems
		campaign.TotalEntities = len(file.Entities)
		if err := campaignRepo.Save(ctx, campaign); err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"campaign_id": campaign.ID,
				"entities":    campaign.TotalEntities,
				"items":       campaign.TotalItems,
			})
		}
		printf("Campaign '%s' created (%s): %d entities, %d items\n",
			campaign.Name, campaign.ID, campaign.TotalEntities, campaign.TotalItems)
		return nil
	},
}

func buildCampaign(file *importFile) (*models.Campaign, error) {
	campaign := &models.Campaign{
		Name:  file.Name,
		Type:  models.CampaignType(file.Type),
		Phase: models.PhaseActive,
		PhaseConfig: models.PhaseConfig{
			Rolling:         file.PhaseConfig.Rolling,
			SkipChallenge:   file.PhaseConfig.SkipChallenge,
			SkipRemediation: file.PhaseConfig.SkipRemediation,
		},
	}
	if campaign.Type == "" {
		campaign.Type = models.CampaignTypeIdentity
	}

	var err error
	if campaign.PhaseConfig.ChallengeDuration, err = parseImportDuration(file.PhaseConfig.ChallengeDuration); err != nil {
		return nil, fmt.Errorf("phase_config.challenge_duration: %w", err)
	}
	if campaign.PhaseConfig.RemediationDuration, err = parseImportDuration(file.PhaseConfig.RemediationDuration); err != nil {
		return nil, fmt.Errorf("phase_config.remediation_duration: %w", err)
	}

	if err := campaignPhaseDefaults(campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

func parseImportDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
