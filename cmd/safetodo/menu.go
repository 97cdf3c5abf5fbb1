package main

import (
	"context"
	"errors"
	"fmt"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	"github.com/spf13/cobra"
)

var (
	menuOpen  bool
	menuClear bool
	menuScope string
	menuJSON  bool
)

var menuCmd = &cobra.Command{
	Use:   "menu",
	Short: "Show the notification menu",
	Long: `Show the notification badge and unread count.

--open opens the menu: notifications are marked seen and the filtered list is printed.
--clear hides everything currently listed and marks it seen; the watermark is
kept in the local store so later runs keep the items hidden.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		n, cleanup, err := openMenuNotifier(ctx, s, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if menuClear {
			if err := n.Menu.Clear(ctx); err != nil {
				return fmt.Errorf("clear menu: %w", err)
			}
		}
		if menuOpen {
			if err := n.Menu.Open(ctx); err != nil {
				return fmt.Errorf("open menu: %w", err)
			}
		}

		snap, err := n.Snapshot(ctx)
		if err != nil {
			return err
		}
		if menuJSON {
			return printJSON(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

var menuClickCmd = &cobra.Command{
	Use:   "click <id>",
	Short: "Open a menu entry",
	Long:  "Mark a listed notification read and print the page it links to.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := getSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		target := "(no link)"
		nav := safetodo.NavigatorFunc(func(path string) { target = path })
		n, cleanup, err := openMenuNotifier(ctx, s, nav)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := n.Menu.Open(ctx); err != nil {
			return fmt.Errorf("open menu: %w", err)
		}
		snap, err := n.Snapshot(ctx)
		if err != nil {
			return err
		}
		for _, item := range snap.Notifications {
			if item.ID != id {
				continue
			}
			if err := n.Menu.Click(ctx, item); err != nil {
				return err
			}
			fmt.Printf("Notification %d -> %s\n", id, target)
			return nil
		}
		return fmt.Errorf("notification %d is not in the menu", id)
	},
}

// openMenuNotifier signs a Notifier in without keeping the push channel
// alive; one-shot commands only read through the query cache.
func openMenuNotifier(ctx context.Context, s *session, nav safetodo.Navigator) (*safetodo.Notifier, func(), error) {
	n, cleanup, err := s.newNotifier(ctx, &safetodo.NotifierConfig{
		Menu: &safetodo.MenuConfig{Navigator: nav},
	})
	if err != nil {
		return nil, nil, err
	}
	n.Channel.Stop()

	if menuScope != "" {
		if err := n.Menu.SetScope(menuScope); err != nil {
			cleanup()
			if errors.Is(err, safetodo.ErrScopeForbidden) {
				return nil, nil, fmt.Errorf("--scope requires an admin account")
			}
			return nil, nil, err
		}
	}
	return n, cleanup, nil
}

func printSnapshot(snap *safetodo.MenuSnapshot) {
	badge := "-"
	if snap.ShowBadge {
		badge = fmt.Sprintf("%d", snap.BadgeCount)
	}
	fmt.Printf("Badge:  %s\n", badge)
	fmt.Printf("Unread: %d\n", snap.UnreadCount)
	if !snap.Open {
		return
	}
	fmt.Println()
	if len(snap.Notifications) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range snap.Notifications {
		fmt.Println(formatNotification(n))
	}
}

func init() {
	rootCmd.AddCommand(menuCmd)
	menuCmd.AddCommand(menuClickCmd)

	menuCmd.PersistentFlags().StringVar(&menuScope, "scope", "", "Show another user's notifications (admins only)")
	menuCmd.Flags().BoolVar(&menuOpen, "open", false, "Open the menu and mark notifications seen")
	menuCmd.Flags().BoolVar(&menuClear, "clear", false, "Hide the listed notifications and mark them seen")
	menuCmd.Flags().BoolVar(&menuJSON, "json", false, "Output the snapshot as JSON")
}
