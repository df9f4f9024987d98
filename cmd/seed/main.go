package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"voice-orchestrator/backend/internal/config"
	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/repository"
	"voice-orchestrator/backend/internal/skills"
)

func main() {
	if err := newSeedCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newSeedCmd() *cobra.Command {
	var (
		configFile string
		dir        string
		overwrite  bool
	)
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load workflow definitions into the configured store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dir == "" {
				dir = cfg.Skills.DefinitionsDir
			}
			if dir == "" {
				return errors.New("no definitions directory: pass --dir or set skills.definitions_dir")
			}
			logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
			return seed(cmd.Context(), cfg, dir, overwrite, logger)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory of YAML workflow definitions")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace workflows that already exist")
	return cmd
}

func seed(ctx context.Context, cfg *config.Config, dir string, overwrite bool, logger *logging.Logger) error {
	if cfg.Store.Driver == "" || cfg.Store.Driver == "memory" {
		logger.Warn("Seeding the in-memory store only checks the definitions; nothing is persisted")
	}

	store, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	workflows, err := skills.LoadDefinitions(dir)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, w := range workflows {
		existing, err := store.GetWorkflow(ctx, w.ID)
		switch {
		case err == nil && !overwrite:
			logger.Info("Skipping existing workflow", "id", w.ID)
			continue
		case err == nil:
			w.CreatedAt = existing.CreatedAt
		case errors.Is(err, errs.ErrNotFound):
			w.CreatedAt = now
		default:
			return err
		}
		w.UpdatedAt = now

		if err := store.SaveWorkflow(ctx, w); err != nil {
			return fmt.Errorf("failed to seed workflow %s: %w", w.ID, err)
		}
		logger.Info("Seeded workflow", "id", w.ID, "steps", len(w.Steps))
	}
	logger.Info("Seeding complete!", "count", len(workflows))
	return nil
}
