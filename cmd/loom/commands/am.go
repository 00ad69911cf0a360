package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/display"
	"github.com/teranos/loom/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage loom configuration",
	Long: `am - Manage loom configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (LOOM_* prefix, plus provider-native API key names)
2. Project config (./am.toml, searched upwards)
3. User config (~/.loom/am.toml)
4. System config (/etc/loom/am.toml)
5. Default values

Examples:
  loom am show                    # Show current configuration
  loom am show --format json      # Show configuration in JSON format
  loom am get vector_store.backend
  loom am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, backend.retry.max_attempts)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were checked",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	redact(cfg)

	format := configFormat
	if display.ShouldOutputJSON(cmd) {
		format = "json"
	}
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# loom configuration\n%s", string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# loom configuration\n%s", string(data))
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

// redact blanks secrets before printing
func redact(cfg *am.Config) {
	for _, s := range []*string{
		&cfg.OpenRouter.APIKey,
		&cfg.Anthropic.APIKey,
		&cfg.Gemini.APIKey,
		&cfg.VectorStore.Qdrant.APIKey,
		&cfg.VectorStore.Postgres.DSN,
		&cfg.Cache.Password,
	} {
		if *s != "" {
			*s = "********"
		}
	}
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if !am.GetViper().IsSet(key) {
		return errors.NewNotFoundError("configuration key %q", key)
	}
	value := am.Get(key)
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]any{key: value})
	}
	fmt.Println(value)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	paths := am.SourcePaths()
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string][]string{"files": paths})
	}
	if len(paths) == 0 {
		pterm.Info.Println("No configuration files found; using defaults and LOOM_* environment variables")
		return nil
	}
	rows := make([][]string, len(paths))
	for i, p := range paths {
		rows[i] = []string{fmt.Sprint(i + 1), p}
	}
	fmt.Println("Configuration files (later overrides earlier), then LOOM_* environment variables:")
	return display.Table([]string{"#", "Path"}, rows)
}
