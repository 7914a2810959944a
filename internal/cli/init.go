package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/config"
	"github.com/kilupskalvis/revblob/internal/database"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new revblob repository",
	Long: `Initialize a new revblob repository in the current directory.
This creates a .revblob directory holding the revision store, the attachment
blobs and the configuration.`,
	Run: runInit,
}

var initBackend string

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend", config.DefaultBackend, "Row store backend (bbolt|sqlite)")
}

func runInit(cmd *cobra.Command, args []string) {
	dir := rootRepo
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			exitError("%v", err)
		}
		dir = cwd
	}
	if err := doInit(os.Stdout, dir, initBackend); err != nil {
		exitError("%v", err)
	}
}

func doInit(out io.Writer, dir, backend string) error {
	if _, err := config.FindRootFrom(dir); err == nil {
		return fmt.Errorf("revblob repository already exists")
	}

	cfg, err := config.InitializeAt(dir, backend)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	// Opening creates the row store file and its buckets or tables.
	db, err := database.Open(cfg, NewLogger(io.Discard, "error", "text"))
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Fprintf(out, "Initialized empty revblob repository in %s\n", cfg.Root())
	fmt.Fprintf(out, "Backend: %s\n", color.CyanString(cfg.Backend))
	return nil
}
