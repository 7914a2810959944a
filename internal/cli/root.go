// Package cli implements the command-line interface for revblob.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/config"
	"github.com/kilupskalvis/revblob/internal/database"
)

var (
	rootLogLevel string
	rootRepo     string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	DB     *database.Database
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.DB != nil {
		c.DB.Close()
	}
}

// initContext loads the repository configuration and opens the database.
func initContext() *cmdContext {
	c, err := openContext(rootRepo, NewLogger(os.Stderr, rootLogLevel, "text"))
	if err != nil {
		exitError("%v", err)
	}
	return c
}

// openContext opens the repository whose .revblob directory is found from
// dir, or from the working directory when dir is empty.
func openContext(dir string, logger *slog.Logger) (*cmdContext, error) {
	var (
		root string
		err  error
	)
	if dir == "" {
		root, err = config.FindRoot()
	} else {
		root, err = config.FindRootFrom(dir)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFrom(root)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &cmdContext{Config: cfg, DB: db, Logger: logger}, nil
}

var rootCmd = &cobra.Command{
	Use:   "revblob",
	Short: "Revision-tree document store with deduplicated attachments",
	Long: `revblob stores JSON documents as trees of revisions. Attachments are kept
in a content-addressed blob store, shared between every revision and document
that carries the same bytes, and reclaimed by compaction once no retained
revision references them.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", envOrDefault("REVBLOB_LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVarP(&rootRepo, "repo", "C", "", "Run as if started in this directory")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(blobsCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(remoteCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortRev returns the generation and first 8 hex characters of a rev id
func shortRev(rev string) string {
	i := strings.IndexByte(rev, '-')
	if i < 0 || len(rev) <= i+9 {
		return rev
	}
	return rev[:i+9]
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// openInput opens path for reading, or stdin for "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
