package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/genq/am"
	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage genq configuration",
	Long: sym.AM + ` am - Manage genq configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (GENQ_* prefix, plus SECRET_KEY, ADMIN_SECRET,
   DATABASE_URL and REDIS_URL)
2. Explicit config (--config)
3. Project config (genq.toml in the working directory or a parent)
4. User config (~/.genq/config.toml)
5. System config (/etc/genq/config.toml)
6. Default values

Secrets are always shown redacted.

Examples:
  genq am show                              # Show current configuration
  genq am show --format json                # Show configuration in JSON format
  genq am get coordinator.heartbeat_interval
  genq am set coordinator.conflict_rule any # Running workers reload it
  genq am where                             # Show which files are read`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective genq configuration from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, coordinator.poll_interval)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value",
	Long: `Write a configuration value to the --config file, or ~/.genq/config.toml.

The previous file is kept as a rotating .back1-.back3 backup. The change is
validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were checked,
then the source of every effective setting.`,
	RunE: runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings, err := am.RedactedSettings()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# genq configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# genq configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v, err := am.GetViper()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}

	value := v.Get(key)
	if am.IsSensitive(key) {
		value = am.Redact(value)
	}
	fmt.Println(value)
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, err := am.SetValue(args[0], args[1])
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s %s written to %s", sym.AM, args[0], path)
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
	pterm.DefaultSection.Println("Configuration files (lowest precedence first)")
	for _, path := range am.ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			pterm.Printfln("  %s %s", pterm.Green("✓"), path)
		} else {
			pterm.Printfln("  %s %s", pterm.Gray("·"), pterm.Gray(path))
		}
	}

	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Effective settings")
	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range intro.Settings {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return renderTable(data)
}
