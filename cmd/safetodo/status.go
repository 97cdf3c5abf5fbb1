package main

import (
	"fmt"
	"time"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored token, and live profile and notification counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		fmt.Printf("  Menu size:   %d\n", cfg.Notifications.MenuSize)
		fmt.Printf("  Store:       %s\n", cfg.Notifications.StorePath)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not signed in)"))
		fmt.Printf("  Viewer ID:   %s\n", valueOrDefault(cfg.Auth.ViewerID, "(unknown)"))
		fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Auth.Role, "(unknown)"))

		token, err := loadToken()
		if err != nil {
			fmt.Printf("  Token:       unavailable (%v)\n", err)
			return nil
		}
		if token == "" {
			fmt.Println("  Token:       (none)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(token))

		fmt.Println()
		fmt.Println("Live status:")

		client := newClient(cfg, token)
		ctx, cancel := requestContext()
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			if safetodo.IsUnauthorized(err) {
				fmt.Println("  Token rejected by the server. Run 'safetodo login <token>' again.")
				return nil
			}
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}

		fmt.Printf("  Username:    %s\n", me.Username)
		fmt.Printf("  Online:      %t\n", me.IsOnline)
		var since time.Time
		lastSeen := "never"
		if me.NotificationsLastSeenAt != nil {
			if t, ok := safetodo.ParseTimestamp(*me.NotificationsLastSeenAt); ok {
				since = t
				lastSeen = t.Local().Format(time.RFC3339)
			}
		}
		fmt.Printf("  Last seen:   %s\n", lastSeen)

		if unseen, err := client.Notifications.UnseenCount(ctx, "", since); err == nil {
			fmt.Printf("  Unseen:      %d\n", unseen)
		}
		if unread, err := client.Notifications.UnreadCount(ctx, ""); err == nil {
			fmt.Printf("  Unread:      %d\n", unread)
		}
		return nil
	},
}
