package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.safetodo/config.toml.
type Config struct {
	Default       ConfigDefault       `toml:"default" mapstructure:"default"`
	Auth          ConfigAuth          `toml:"auth" mapstructure:"auth"`
	Notifications ConfigNotifications `toml:"notifications" mapstructure:"notifications"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
}

// ConfigAuth holds the identity of the signed-in viewer. The token itself
// lives in the OS keyring.
type ConfigAuth struct {
	ViewerID string `toml:"viewer_id" mapstructure:"viewer_id"`
	Role     string `toml:"role" mapstructure:"role"`
	Username string `toml:"username" mapstructure:"username"`
}

// ConfigNotifications holds menu and watermark settings.
type ConfigNotifications struct {
	MenuSize  int    `toml:"menu_size" mapstructure:"menu_size"`
	StorePath string `toml:"store_path" mapstructure:"store_path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.safetodo, creating it if needed.
// SAFETODO_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("SAFETODO_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".safetodo")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies SAFETODO_* environment
// overrides (SAFETODO_DEFAULT_BASE_URL, SAFETODO_AUTH_VIEWER_ID, ...).
// A missing file yields the defaults.
func loadConfig() (*Config, error) {
	return readConfig(true)
}

// loadStoredConfig reads the config file without environment overrides.
// Commands that write the file back start from it.
func loadStoredConfig() (*Config, error) {
	return readConfig(false)
}

func readConfig(withEnv bool) (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.toml"))
	v.SetConfigType("toml")
	if withEnv {
		v.SetEnvPrefix("SAFETODO")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	for _, key := range configKeys {
		v.SetDefault(key, configDefault(dir, key))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// configKeys lists every setting in dot notation, in file order.
var configKeys = []string{
	"default.base_url",
	"auth.viewer_id",
	"auth.role",
	"auth.username",
	"notifications.menu_size",
	"notifications.store_path",
}

func configDefault(dir, key string) any {
	switch key {
	case "default.base_url":
		return safetodo.DefaultBaseURL
	case "notifications.menu_size":
		return 10
	case "notifications.store_path":
		return filepath.Join(dir, "state.db")
	}
	return ""
}

// envKey is the environment variable that overrides key.
func envKey(key string) string {
	return "SAFETODO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// envOverrides returns the environment variables currently overriding a
// setting, in configKeys order.
func envOverrides() []string {
	var out []string
	for _, key := range configKeys {
		if _, ok := os.LookupEnv(envKey(key)); ok {
			out = append(out, envKey(key))
		}
	}
	return out
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "viewer_id":
			cfg.Auth.ViewerID = value
		case "role":
			if value != "" && value != safetodo.RoleAdmin && value != safetodo.RoleMember {
				return fmt.Errorf("role must be %q or %q", safetodo.RoleAdmin, safetodo.RoleMember)
			}
			cfg.Auth.Role = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "notifications":
		switch field {
		case "menu_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("menu_size must be a positive integer")
			}
			cfg.Notifications.MenuSize = n
		case "store_path":
			cfg.Notifications.StorePath = value
		default:
			return fmt.Errorf("unknown field %q in section [notifications]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, notifications)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	debugLogs bool
	jsonLogs  bool
)

var rootCmd = &cobra.Command{
	Use:   "safetodo",
	Short: "SafeTodo notifications CLI",
	Long:  "Command-line interface for SafeTodo notifications.\nSign in, inspect the notification menu, and watch live pushes.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger(debugLogs, jsonLogs))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
