package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/aventus/onboarding/internal/config"
	"github.com/aventus/onboarding/internal/definition"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/internal/workflow"
	"github.com/aventus/onboarding/model"
)

func catalogAction(_ context.Context, cmd *cli.Command) error {
	logger, err := observability.NewLogger(config.ObservabilityConfig{LogLevel: "error"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	return printCatalog(cmd.Root().Writer, cmd.String("file"), model.BusinessType(cmd.String("business-type")), logger)
}

// printCatalog validates the catalog at path and writes one line per business
// type listing its ordered steps.
func printCatalog(w io.Writer, path string, only model.BusinessType, logger *zap.Logger) error {
	catalog, err := readValidCatalog(path, logger)
	if err != nil {
		return err
	}
	registry := definition.NewRegistry(catalog)

	types := registry.BusinessTypes()
	if only != "" {
		if !only.Valid() {
			return fmt.Errorf("unknown business type %q", only)
		}
		types = []model.BusinessType{only}
	}

	fmt.Fprintf(w, "catalog %s (sha256 %s)\n", registry.Source(), registry.Checksum())
	for _, bt := range types {
		steps, err := registry.WorkflowSteps(bt)
		if err != nil {
			return err
		}
		ids := make([]string, len(steps))
		for i, s := range steps {
			ids[i] = s.ID
		}
		fmt.Fprintf(w, "%-22s %s\n", bt, strings.Join(ids, " -> "))
	}

	// Status graph, independent of the catalog.
	if only == "" {
		fmt.Fprintln(w)
		for _, s := range model.Statuses() {
			next := workflow.NextStatuses(s)
			names := make([]string, len(next))
			for i, n := range next {
				names[i] = string(n)
			}
			fmt.Fprintf(w, "%-22s %s\n", s, strings.Join(names, ", "))
		}
	}
	return nil
}
