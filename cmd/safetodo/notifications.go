package main

import (
	"fmt"
	"strconv"
	"time"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	"github.com/spf13/cobra"
)

var (
	notifJSON bool
	notifUser string

	// notifications list
	notifListUnread   bool
	notifListRead     bool
	notifListType     string
	notifListPage     int
	notifListPageSize int

	// notifications count
	notifCountSince string
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Notification commands",
	Long:    "List notifications and change their read state. Admins may target another user's feed with --user.",
}

// ============================================================================
// notifications list
// ============================================================================

var notifListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if notifListUnread && notifListRead {
			return fmt.Errorf("--unread and --read are mutually exclusive")
		}
		s, err := getSession()
		if err != nil {
			return err
		}
		filter := &safetodo.NotificationFilter{
			User:     notifUser,
			Type:     notifListType,
			Page:     notifListPage,
			PageSize: notifListPageSize,
		}
		if notifListUnread || notifListRead {
			unread := notifListUnread
			filter.Unread = &unread
		}

		ctx, cancel := requestContext()
		defer cancel()

		page, err := s.client.Notifications.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notifJSON {
			return printJSON(page)
		}
		if len(page.Results) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range page.Results {
			fmt.Println(formatNotification(n))
		}
		fmt.Printf("\n%d of %d shown\n", len(page.Results), page.Count)
		return nil
	},
}

// ============================================================================
// notifications read / unread / delete
// ============================================================================

var notifReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleRead(args[0], true)
	},
}

var notifUnreadCmd = &cobra.Command{
	Use:   "unread <id>",
	Short: "Mark a notification unread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleRead(args[0], false)
	},
}

func toggleRead(arg string, read bool) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	s, err := getSession()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	var n *safetodo.Notification
	if read {
		n, err = s.client.Notifications.MarkRead(ctx, id)
	} else {
		n, err = s.client.Notifications.MarkUnread(ctx, id)
	}
	if err != nil {
		if safetodo.IsNotFound(err) {
			return fmt.Errorf("notification %d not found", id)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	if notifJSON {
		return printJSON(n)
	}
	fmt.Println(formatNotification(*n))
	return nil
}

var notifDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a notification",
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

		if err := s.client.Notifications.Delete(ctx, id); err != nil {
			if safetodo.IsNotFound(err) {
				return fmt.Errorf("notification %d not found", id)
			}
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Deleted notification %d\n", id)
		return nil
	},
}

// ============================================================================
// notifications clear / mark-all-read
// ============================================================================

var notifClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every notification in the feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		res, err := s.client.Notifications.Clear(ctx, notifUser)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notifJSON {
			return printJSON(res)
		}
		fmt.Printf("Deleted %d notifications\n", res.Deleted)
		return nil
	},
}

var notifMarkAllReadCmd = &cobra.Command{
	Use:   "mark-all-read",
	Short: "Mark every notification in the feed read",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		res, err := s.client.Notifications.MarkAllRead(ctx, notifUser)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notifJSON {
			return printJSON(res)
		}
		fmt.Printf("Marked %d notifications read\n", res.Updated)
		return nil
	},
}

// ============================================================================
// notifications count
// ============================================================================

var notifCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show unread and unseen counts",
	Long:  "Show the unread count and the number of notifications created after --since (RFC3339). Without --since, the profile's last-seen time is used.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var since time.Time
		if notifCountSince != "" {
			t, ok := safetodo.ParseTimestamp(notifCountSince)
			if !ok {
				return fmt.Errorf("invalid --since timestamp %q", notifCountSince)
			}
			since = t
		} else {
			me, err := s.client.Users.Me(ctx)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			if me.NotificationsLastSeenAt != nil {
				since, _ = safetodo.ParseTimestamp(*me.NotificationsLastSeenAt)
			}
		}

		unread, err := s.client.Notifications.UnreadCount(ctx, notifUser)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		unseen, err := s.client.Notifications.UnseenCount(ctx, notifUser, since)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notifJSON {
			return printJSON(map[string]int{"unread": unread, "unseen": unseen})
		}
		fmt.Printf("Unread: %d\n", unread)
		fmt.Printf("Unseen: %d\n", unseen)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid notification id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(notificationsCmd)

	notificationsCmd.PersistentFlags().BoolVar(&notifJSON, "json", false, "Output raw JSON")
	notificationsCmd.PersistentFlags().StringVar(&notifUser, "user", "", "Target another user's feed (admins only)")

	notifListCmd.Flags().BoolVar(&notifListUnread, "unread", false, "Only unread notifications")
	notifListCmd.Flags().BoolVar(&notifListRead, "read", false, "Only read notifications")
	notifListCmd.Flags().StringVar(&notifListType, "type", "", "Filter by notification type")
	notifListCmd.Flags().IntVar(&notifListPage, "page", 0, "Page number")
	notifListCmd.Flags().IntVarP(&notifListPageSize, "limit", "n", 20, "Page size")

	notifCountCmd.Flags().StringVar(&notifCountSince, "since", "", "Count notifications created after this time")

	notificationsCmd.AddCommand(notifListCmd)
	notificationsCmd.AddCommand(notifReadCmd)
	notificationsCmd.AddCommand(notifUnreadCmd)
	notificationsCmd.AddCommand(notifDeleteCmd)
	notificationsCmd.AddCommand(notifClearCmd)
	notificationsCmd.AddCommand(notifMarkAllReadCmd)
	notificationsCmd.AddCommand(notifCountCmd)
}
