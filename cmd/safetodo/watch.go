package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchOpen        bool
	watchPresence    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow notifications live",
	Long:  "Keep the push channel open and print the badge and unread count every time a notification arrives. Stops on Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getSession()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		signInCtx, cancel := requestContext()
		n, cleanup, err := s.newNotifier(signInCtx, &safetodo.NotifierConfig{Registerer: reg})
		cancel()
		if err != nil {
			return err
		}
		defer cleanup()

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, reg)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		// Frame handlers run on the channel's read loop; rendering happens here.
		changed := make(chan struct{}, 1)
		n.Dispatcher.On(safetodo.EventNotificationCreated, func(safetodo.ChannelEnvelope) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if watchPresence {
			n.Dispatcher.On(safetodo.EventUserOnline, printPresence)
			n.Dispatcher.On(safetodo.EventUserOffline, printPresence)
		}
		n.Channel.OnStateChange(func(state safetodo.ChannelState) {
			slog.Info("push channel", slog.String("state", string(state)))
		})

		if watchOpen {
			openCtx, cancel := requestContext()
			err := n.Menu.Open(openCtx)
			cancel()
			if err != nil {
				slog.Warn("open menu", slog.String("error", err.Error()))
			}
		}

		render(ctx, n)
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-changed:
				render(ctx, n)
			}
		}
	},
}

func render(ctx context.Context, n *safetodo.Notifier) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	snap, err := n.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("snapshot failed", slog.String("error", err.Error()))
		}
		return
	}
	fmt.Printf("[%s] ", time.Now().Format("15:04:05"))
	if snap.ShowBadge {
		fmt.Printf("badge %d, ", snap.BadgeCount)
	}
	fmt.Printf("unread %d\n", snap.UnreadCount)
	for _, item := range snap.Notifications {
		fmt.Println("  " + formatNotification(item))
	}
}

func printPresence(env safetodo.ChannelEnvelope) {
	if env.UserID == nil {
		return
	}
	state := "offline"
	if env.Event == safetodo.EventUserOnline {
		state = "online"
	}
	fmt.Printf("[%s] user %d is %s\n", time.Now().Format("15:04:05"), *env.UserID, state)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", addr))
	return srv
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchOpen, "open", false, "Keep the menu open so new notifications are listed")
	watchCmd.Flags().BoolVar(&watchPresence, "presence", false, "Print user online/offline changes")
}
