package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/probelab/crucible/internal/domain"
	"github.com/probelab/crucible/internal/store"
)

// seedFixture is the yaml shape of a dataset + agent + experiment
// bundle, for bootstrapping a database without the management plane.
type seedFixture struct {
	Dataset struct {
		Name  string `yaml:"name"`
		Items []struct {
			Input         string `yaml:"input"`
			RefTrajectory string `yaml:"ref_trajectory"`
			RefOutput     string `yaml:"ref_output"`
		} `yaml:"items"`
	} `yaml:"dataset"`
	Agent struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Image   string `yaml:"image"`
	} `yaml:"agent"`
	Experiment struct {
		Name       string `yaml:"name"`
		Evaluators []struct {
			Key    string  `yaml:"key"`
			Name   string  `yaml:"name"`
			Prompt string  `yaml:"prompt"`
			Weight float64 `yaml:"weight"`
		} `yaml:"evaluators"`
	} `yaml:"experiment"`
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a dataset, agent, and experiment fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading fixture: %w", err)
			}
			var fix seedFixture
			if err := yaml.Unmarshal(data, &fix); err != nil {
				return fmt.Errorf("parsing fixture: %w", err)
			}
			if fix.Dataset.Name == "" || fix.Agent.Image == "" || fix.Experiment.Name == "" {
				return fmt.Errorf("fixture needs dataset.name, agent.image, and experiment.name")
			}

			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			expID, err := seed(ctx, st, &fix)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded experiment %s with %d data items.\n", expID, len(fix.Dataset.Items))
			return nil
		},
	}
}

func seed(ctx context.Context, st *store.Store, fix *seedFixture) (string, error) {
	expID := uuid.NewString()
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		dataset := &domain.Dataset{ID: uuid.NewString(), Name: fix.Dataset.Name}
		if err := store.CreateDataset(ctx, tx, dataset); err != nil {
			return fmt.Errorf("creating dataset: %w", err)
		}
		base := time.Now()
		for i, item := range fix.Dataset.Items {
			err := store.CreateDataItem(ctx, tx, &domain.DataItem{
				ID:            uuid.NewString(),
				DatasetID:     dataset.ID,
				Input:         item.Input,
				RefTrajectory: item.RefTrajectory,
				RefOutput:     item.RefOutput,
				// Spread timestamps so creation order is unambiguous.
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				return fmt.Errorf("creating data item %d: %w", i, err)
			}
		}

		agent := &domain.Agent{
			ID:      uuid.NewString(),
			Name:    fix.Agent.Name,
			Version: fix.Agent.Version,
			Image:   fix.Agent.Image,
		}
		if err := store.CreateAgent(ctx, tx, agent); err != nil {
			return fmt.Errorf("creating agent: %w", err)
		}

		exp := &domain.Experiment{
			ID:        expID,
			Name:      fix.Experiment.Name,
			DatasetID: dataset.ID,
			AgentID:   agent.ID,
		}
		if err := store.CreateExperiment(ctx, tx, exp); err != nil {
			return fmt.Errorf("creating experiment: %w", err)
		}

		for _, ev := range fix.Experiment.Evaluators {
			err := store.CreateEvaluator(ctx, tx, &domain.Evaluator{
				Key:          ev.Key,
				ExperimentID: exp.ID,
				Name:         ev.Name,
				Prompt:       ev.Prompt,
				Weight:       ev.Weight,
			})
			if err != nil {
				return fmt.Errorf("creating evaluator %s: %w", ev.Key, err)
			}
		}
		return nil
	})
	return expID, err
}
