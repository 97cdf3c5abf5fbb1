package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
)

const requestTimeout = 10 * time.Second

// session bundles what every authenticated command needs.
type session struct {
	cfg    *Config
	token  string
	client *safetodo.Client
}

// getSession loads the config and token and builds an authenticated client.
func getSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: run 'safetodo login <token>' or set SAFETODO_TOKEN")
	}
	return &session{cfg: cfg, token: token, client: newClient(cfg, token)}, nil
}

func newClient(cfg *Config, token string) *safetodo.Client {
	return safetodo.NewClient(token,
		safetodo.WithBaseURL(cfg.Default.BaseURL),
		safetodo.WithLogger(slog.Default()),
	)
}

func (s *session) auth() safetodo.Auth {
	return safetodo.Auth{Token: s.token, ViewerID: s.cfg.Auth.ViewerID, Role: s.cfg.Auth.Role}
}

// newNotifier builds a Notifier backed by the SQLite watermark store and
// signs it in.
func (s *session) newNotifier(ctx context.Context, cfg *safetodo.NotifierConfig) (*safetodo.Notifier, func(), error) {
	store, err := safetodo.NewSQLiteStorage(s.cfg.Notifications.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open watermark store: %w", err)
	}
	if cfg == nil {
		cfg = &safetodo.NotifierConfig{}
	}
	cfg.Store = store
	cfg.Logger = slog.Default()
	if cfg.Menu == nil {
		cfg.Menu = &safetodo.MenuConfig{}
	}
	cfg.Menu.MenuSize = s.cfg.Notifications.MenuSize

	n := safetodo.NewNotifier(s.client, cfg)
	cleanup := func() {
		_ = n.Close()
		_ = store.Close()
	}
	if err := n.SetAuth(ctx, s.auth()); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sign in: %w", err)
	}
	return n, cleanup, nil
}

func newLogger(debug, asJSON bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatNotification(n safetodo.Notification) string {
	mark := " "
	if n.IsUnread() {
		mark = "*"
	}
	created := n.CreatedAt
	if t, ok := n.Created(); ok {
		created = t.Local().Format("2006-01-02 15:04")
	}
	text := n.Title
	if text == "" {
		text = n.Message
	}
	return fmt.Sprintf("%s %-6d %-16s %-16s %s", mark, n.ID, created, n.Type, text)
}
