// Package main is the council CLI: a streaming deliberation client and a
// local council backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/councilhq/deliberation-client/internal/config"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	root := &cobra.Command{
		Use:   "council",
		Short: "Multi-model council deliberation client",
		Long: "council streams multi-stage deliberations: independent model answers, " +
			"peer review, and a synthesized chairman answer.",
		SilenceUsage: true,
	}

	root.AddCommand(newAskCommand(cfg, log))
	root.AddCommand(newServeCommand(cfg, log))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
