package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/socialwave/wavechat"
	wlog "github.com/socialwave/wavechat/internal/log"
)

// requestTimeout bounds one-shot commands.
const requestTimeout = 30 * time.Second

// newClient builds a wavechat client from the effective configuration.
func newClient(cmd *cobra.Command) (*wavechat.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := wlog.New(cfg.logConfig(), cmd.ErrOrStderr())

	poll, err := cfg.pollInterval()
	if err != nil {
		return nil, err
	}
	fetch, err := cfg.fetchTimeout()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout:   wavechat.DefaultTimeout,
		Transport: wlog.Transport(logger, nil),
	}
	opts := []wavechat.ClientOption{
		wavechat.WithBaseURL(cfg.Default.BaseURL),
		wavechat.WithEndpoints(cfg.endpoints()),
		wavechat.WithHTTPClient(httpClient),
		wavechat.WithLogger(logger),
		wavechat.WithPollInterval(poll),
		wavechat.WithFetchTimeout(fetch),
	}

	switch cfg.Storage.Backend {
	case "", "http":
	case "s3":
		up, err := wavechat.NewS3Uploader(cmd.Context(), cfg.s3())
		if err != nil {
			return nil, fmt.Errorf("failed to configure s3 storage: %w", err)
		}
		opts = append(opts, wavechat.WithUploader(up))
	default:
		return nil, fmt.Errorf("unknown storage.backend %q (valid: http, s3)", cfg.Storage.Backend)
	}

	return wavechat.NewClient(opts...), nil
}

// sessionStore returns the store for the signed-in session, rooted next to
// the config file.
func sessionStore() (*wavechat.FileSessionStore, error) {
	if os.Getenv("WAVECHAT_HOME") == "" {
		path, err := wavechat.DefaultSessionPath()
		if err != nil {
			return nil, err
		}
		return wavechat.NewFileSessionStore(path), nil
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return wavechat.NewFileSessionStore(filepath.Join(dir, "session.toml")), nil
}

// requireSession loads the saved session or explains how to create one.
func requireSession() (*wavechat.Session, *wavechat.FileSessionStore, error) {
	store, err := sessionStore()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Load()
	if err != nil {
		if errors.Is(err, wavechat.ErrNoSession) {
			return nil, nil, fmt.Errorf("not logged in; run 'wavechat login <email>' first")
		}
		return nil, nil, err
	}
	return s, store, nil
}

// readPassword takes --password, then WAVECHAT_PASSWORD.
func readPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if p := os.Getenv("WAVECHAT_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("password required: pass --password or set WAVECHAT_PASSWORD")
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func clientLogger(c *wavechat.Client) *zerolog.Logger {
	l := c.Logger()
	return &l
}

// formatMessage renders one timeline line.
func formatMessage(m wavechat.Message, selfID int64) string {
	who := m.SenderName
	if m.SenderID == selfID {
		who = "you"
	} else if who == "" {
		who = "user " + strconv.FormatInt(m.SenderID, 10)
	}
	at := "--:--"
	if !m.CreatedAt.IsZero() {
		at = m.CreatedAt.Local().Format("15:04")
	}
	body := m.Text()
	if m.IsImage() {
		body = "[image] " + m.Image()
	}
	return fmt.Sprintf("[%s] %s: %s", at, who, body)
}
