package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/handoff/pkg/config"
	"github.com/jingkaihe/handoff/pkg/presenter"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the handoff configuration",
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the configuration file",
	Long: `Print the JSON Schema of the configuration file, for editor completion and validation:

  handoff config schema > ~/.handoff/config.schema.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := json.MarshalIndent(config.Schema(), "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode schema")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after merging defaults, the config file, environment variables and flags.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		format = strings.ToLower(format)
		if format == presenter.FormatTable {
			return errors.New("config show supports json or yaml")
		}
		if err := presenter.ValidateFormat(format); err != nil {
			return err
		}

		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", used)
		}
		return presenter.Encode(cmd.OutOrStdout(), format, appConfig)
	},
}

func init() {
	configShowCmd.Flags().String("format", presenter.FormatYAML, "Output format: json or yaml")

	configCmd.AddCommand(configSchemaCmd)
	configCmd.AddCommand(configShowCmd)
}
