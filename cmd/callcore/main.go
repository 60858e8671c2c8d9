package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/observability"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		observability.Logger().Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "callcore",
		Short:         "Decision core for a phone-answering voice agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			observability.SetLevel(config.Load().LogLevel)
		},
	}
	root.AddCommand(newServeCmd(), newCompileCmd(), newCheckConfigCmd())
	return root
}
