package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/config"
	"github.com/kilupskalvis/revblob/internal/database"
	"github.com/kilupskalvis/revblob/internal/server"
)

// serverOptions are the flags of "server start" and of revblob-server.
type serverOptions struct {
	listen        string
	dataDir       string
	adminToken    string
	logLevel      string
	logFormat     string
	tlsCert       string
	tlsKey        string
	webhookURLs   string
	webhookSecret string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the revblob HTTP server",
	Long:  "Commands for running the revblob HTTP server.",
}

func init() {
	serverCmd.AddCommand(newServerStartCmd("start"))
}

// ServerCommand returns the standalone revblob-server command.
func ServerCommand() *cobra.Command {
	cmd := newServerStartCmd("revblob-server")
	cmd.Short = "Run the revblob HTTP server"
	return cmd
}

func newServerStartCmd(use string) *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   use,
		Short: "Start the revblob HTTP server",
		Long: `Start the revblob HTTP server.

The server opens the repository in --data-dir, creating it with a default
configuration if needed. Without --data-dir it serves the repository of the
current directory, or ~/.revblob-server when there is none.

The admin token is read from the REVBLOB_ADMIN_TOKEN environment variable and
enables the /admin/ endpoints for compaction and blob listing.

Examples:
  revblob server start
  revblob server start --listen 0.0.0.0:5984 --data-dir /var/lib/revblob
  revblob server start --tls-cert server.crt --tls-key server.key`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := runServer(opts); err != nil {
				exitError("%v", err)
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", envOrDefault("REVBLOB_LISTEN", "127.0.0.1:5984"), "Listen address (host:port)")
	f.StringVar(&opts.dataDir, "data-dir", os.Getenv("REVBLOB_DATA_DIR"), "Repository directory to serve")
	f.StringVar(&opts.adminToken, "admin-token", os.Getenv("REVBLOB_ADMIN_TOKEN"), "Admin API token")
	f.StringVar(&opts.logLevel, "log-level", envOrDefault("REVBLOB_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&opts.logFormat, "log-format", envOrDefault("REVBLOB_LOG_FORMAT", "json"), "Log format (json|text)")
	f.StringVar(&opts.tlsCert, "tls-cert", os.Getenv("REVBLOB_TLS_CERT"), "TLS certificate file")
	f.StringVar(&opts.tlsKey, "tls-key", os.Getenv("REVBLOB_TLS_KEY"), "TLS key file")
	f.StringVar(&opts.webhookURLs, "webhook-urls", os.Getenv("REVBLOB_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on attachment changes")
	f.StringVar(&opts.webhookSecret, "webhook-secret", os.Getenv("REVBLOB_WEBHOOK_SECRET"), "HMAC-SHA256 key for signing webhook bodies")
	return cmd
}

func runServer(opts *serverOptions) error {
	logger := NewLogger(os.Stderr, opts.logLevel, opts.logFormat)

	root, err := resolveDataDir(opts.dataDir)
	if err != nil {
		return err
	}
	cfg, err := config.Ensure(root)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	scfg := server.DefaultServerConfig()
	scfg.AdminToken = opts.adminToken
	if urls := splitURLs(opts.webhookURLs); len(urls) > 0 {
		scfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls, Secret: opts.webhookSecret}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}

	h, handlerCleanup := server.Handler(db, scfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:         opts.listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting revblob-server", "listen", opts.listen, "data_dir", cfg.Root(), "backend", cfg.Backend)
		var err error
		if opts.tlsCert != "" && opts.tlsKey != "" {
			err = srv.ListenAndServeTLS(opts.tlsCert, opts.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-done:
	case err := <-errc:
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := scfg.Webhooks.Close(ctx); err != nil {
		logger.Warn("webhooks still in flight at shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// resolveDataDir picks the repository root to serve.
func resolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		if filepath.Base(dataDir) != config.RevblobDir {
			if root, err := config.FindRootFrom(dataDir); err == nil && filepath.Dir(root) == filepath.Clean(dataDir) {
				return root, nil
			}
		}
		return dataDir, nil
	}
	if rootRepo != "" {
		if root, err := config.FindRootFrom(rootRepo); err == nil {
			return root, nil
		}
	}
	if root, err := config.FindRoot(); err == nil {
		return root, nil
	}
	return defaultDataDir(), nil
}

// defaultDataDir returns the default server data directory (~/.revblob-server).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/revblob-server"
	}
	return filepath.Join(home, ".revblob-server")
}

func splitURLs(s string) []string {
	var urls []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
