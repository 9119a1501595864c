// Command ap-probe exercises the full login → receiver → mercury-subscribe →
// token-fetch path against a real or mock access point, mirroring the
// teacher's cmd/tor-client end-to-end driver but generalized from one
// flagless "build a circuit and proxy" operation into several independently
// useful subcommands, since this core exposes multiple operations worth
// probing on their own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivergate-audio/ap-go/config"
	"github.com/rivergate-audio/ap-go/handshake"
	"github.com/rivergate-audio/ap-go/metrics"
	"github.com/rivergate-audio/ap-go/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootFlags struct {
	configPath string
	username   string
	password   string
	deviceName string
	clientID   string
}

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	root := &cobra.Command{
		Use:           "ap-probe",
		Short:         fmt.Sprintf("ap-probe %s — drive an AP session core connection", Version),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "path to a YAML config file (defaults applied if omitted)")
	root.PersistentFlags().StringVar(&rootFlags.username, "username", "", "account username")
	root.PersistentFlags().StringVar(&rootFlags.password, "password", "", "account password")
	root.PersistentFlags().StringVar(&rootFlags.deviceName, "device-name", "ap-probe", "device name (accepted, but not sent during login)")
	root.PersistentFlags().StringVar(&rootFlags.clientID, "client-id", "", "client id used for token-scope requests")

	root.AddCommand(newLoginCmd(logger))
	root.AddCommand(newTokenCmd(logger))
	root.AddCommand(newReconnectTestCmd(logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("ap-probe-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func loadConfig() *config.Config {
	if rootFlags.configPath == "" {
		return config.Default()
	}
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", rootFlags.configPath, err)
		os.Exit(1)
	}
	return cfg
}

func buildSessionConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) session.Config {
	return session.Config{
		Username:              rootFlags.username,
		Password:              rootFlags.password,
		BuildInfo:             handshake.BuildInfo{Platform: "go_linux_x86_64", Product: "ap-go", Version: Version},
		ClientID:              rootFlags.clientID,
		DeviceID:              cfg.DeviceID,
		StoreCredentials:      cfg.StoreCredentials,
		StoredCredentialsFile: cfg.StoredCredentialsFile,
		PreferredLocale:       cfg.PreferredLocale,
		Logger:                logger,
		Metrics:               m,
		InstallSignalHandlers: cfg.InstallSignalHandlers,
		ServerPublicKeyHex:    cfg.ServerPublicKeyHex,
	}
}

func newLoginCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "resolve an access point, handshake, and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			m := metrics.New(nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			sess, err := session.New(ctx, buildSessionConfig(cfg, logger, m))
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			defer func() { _ = sess.Close() }()

			username, err := sess.Welcome(ctx)
			if err != nil {
				return fmt.Errorf("waiting for welcome: %w", err)
			}
			fmt.Printf("logged in as %s (device %s)\n", username, sess.DeviceID())
			return nil
		},
	}
}

func newTokenCmd(logger *slog.Logger) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "log in and fetch an access token for a given scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			m := metrics.New(nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			sess, err := session.New(ctx, buildSessionConfig(cfg, logger, m))
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			defer func() { _ = sess.Close() }()

			tokens, err := sess.Tokens(ctx)
			if err != nil {
				return fmt.Errorf("waiting for token provider: %w", err)
			}
			accessToken, err := tokens.Get(ctx, scope)
			if err != nil {
				return fmt.Errorf("fetching token: %w", err)
			}
			fmt.Printf("token for scope %q: %s\n", scope, accessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "streaming", "token scope to request")
	return cmd
}

func newReconnectTestCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect-test",
		Short: "log in, hold the session open, and report on receiver/reconnect activity until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			m := metrics.New(nil)

			loginCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			sessCfg := buildSessionConfig(cfg, logger, m)
			sess, err := session.New(loginCtx, sessCfg)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			defer func() { _ = sess.Close() }()

			username, err := sess.Welcome(loginCtx)
			if err != nil {
				return fmt.Errorf("waiting for welcome: %w", err)
			}
			fmt.Printf("session established for %s, holding open (Ctrl-C to stop)...\n", username)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("\nshutting down...")
			return nil
		},
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
