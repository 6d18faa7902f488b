// Package main is the entry point for the contractor onboarding service.
// It exposes the HTTP server plus catalog and schema maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "onboard: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML configuration file (defaults only when empty)",
		Sources: cli.EnvVars("ONBOARD_CONFIG"),
	}
	logLevelFlag := &cli.StringFlag{
		Name:    "log-level",
		Usage:   "override observability.log_level (debug, info, warn, error)",
		Sources: cli.EnvVars("ONBOARD_LOG_LEVEL"),
	}

	return &cli.Command{
		Name:    "onboard",
		Usage:   "Contractor onboarding workflow service",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags:   []cli.Flag{configFlag, logLevelFlag},
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serveAction,
			},
			{
				Name:  "catalog",
				Usage: "Validate the step catalog and print each business type's path",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "catalog file to check (builtin catalog when empty)",
					},
					&cli.StringFlag{
						Name:  "business-type",
						Usage: "only print the path of this business type",
					},
				},
				Action: catalogAction,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the Postgres schema for the contractor store",
				Action: migrateAction,
			},
		},
	}
}
