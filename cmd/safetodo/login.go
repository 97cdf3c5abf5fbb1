package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an API token in the OS keyring",
	Long:  "Verify the token against /api/users/me/, store it in the OS keyring and record the viewer in ~/.safetodo/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := requestContext()
		defer cancel()

		me, err := newClient(cfg, token).Users.Me(ctx)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		if err := storeToken(token); err != nil {
			return err
		}

		stored, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		stored.Auth.ViewerID = strconv.FormatInt(me.ID, 10)
		stored.Auth.Role = me.Role
		stored.Auth.Username = me.Username
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s (id %d, role %s)\n", me.Username, me.ID, valueOrDefault(me.Role, "member"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := deleteToken(); err != nil {
			return err
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed out.")
		return nil
	},
}
