package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/cmd/loom/commands"
	"github.com/teranos/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - prompt templates, chains and pipelines over LLM backends",
	Long: `loom - compose LLM calls into pipelines.

A template renders a context into role-tagged messages; a chain sends them to
a completion backend and binds the parsed reply under an output key; a
pipeline runs chains in order over one shared context.

Available commands:
  am      - Manage loom configuration ("I am")
  render  - Render a template against a context
  run     - Run a pipeline
  ingest  - Load documents into the vector store
  query   - Search the vector store
  serve   - Start the HTTP server
  db      - Manage the loom database

Examples:
  loom am show
  loom render prompts/capital.prompt --context ctx.json
  loom run brief --set topic="tidal power"
  loom ingest docs/*.md --split 4
  loom query "how are tides predicted" -k 3`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.QueryCmd)
	rootCmd.AddCommand(commands.RenderCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}
