package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the configuration file as stored, without defaults or environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage SafeTodo configuration",
	Long:  "View or modify the SafeTodo CLI configuration stored in ~/.safetodo/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the CLI actually runs with: the file merged with
defaults and SAFETODO_* environment overrides. --raw prints the file as stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Println("No configuration file found. Run 'safetodo init' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, statErr := os.Stat(path)
		return writeEffectiveConfig(cmd.OutOrStdout(), cfg, path, statErr == nil, envOverrides())
	},
}

// writeEffectiveConfig renders cfg as TOML under a comment header naming its
// sources.
func writeEffectiveConfig(w io.Writer, cfg *Config, path string, fileExists bool, overrides []string) error {
	if fileExists {
		fmt.Fprintf(w, "# file: %s\n", path)
	} else {
		fmt.Fprintf(w, "# file: %s (not found, defaults shown)\n", path)
	}
	for _, env := range overrides {
		fmt.Fprintf(w, "# overridden by %s\n", env)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation.
Example: safetodo config set notifications.menu_size 20

Environment overrides still win over the stored value; see 'safetodo config show'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		if _, ok := os.LookupEnv(envKey(key)); ok {
			fmt.Printf("Note: %s is set and overrides this value.\n", envKey(key))
		}
		return nil
	},
}
