package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/aventus/onboarding/internal/config"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/internal/workflow"
)

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Workflow.Store.Driver != "postgres" {
		return fmt.Errorf("migrate: workflow.store.driver is %q, nothing to migrate", cfg.Workflow.Store.Driver)
	}

	pool, err := openPool(ctx, cfg.Workflow.Store)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := workflow.EnsureSchema(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("schema up to date")
	return nil
}
