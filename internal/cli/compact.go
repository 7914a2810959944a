package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/attachments"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Prune old revisions and delete unreferenced attachment blobs",
	Long: `Drop the bodies of every non-leaf revision, delete the attachment rows of
pruned revisions, and remove blobs that no remaining row references.
With --dry-run nothing is changed and the counts show what would happen.`,
	Args: cobra.NoArgs,
	Run:  runCompact,
}

var blobsCmd = &cobra.Command{
	Use:   "blobs",
	Short: "List stored attachment blobs",
	Args:  cobra.NoArgs,
	Run:   runBlobs,
}

var (
	compactDryRun bool
	blobsCount    bool
)

func init() {
	compactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false, "Report what would be deleted without deleting")
	blobsCmd.Flags().BoolVar(&blobsCount, "count", false, "Print only the number of blobs")
}

func runCompact(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := doCompact(context.Background(), c, os.Stdout, compactDryRun); err != nil {
		exitError("%v", err)
	}
}

func doCompact(ctx context.Context, c *cmdContext, out io.Writer, dryRun bool) error {
	result, err := c.DB.Compact(ctx, dryRun)
	if err != nil {
		return err
	}
	printCompactResult(out, result)
	return nil
}

func printCompactResult(out io.Writer, result *attachments.CompactResult) {
	if result.DryRun {
		color.New(color.FgYellow).Fprintln(out, "Dry run: nothing was changed")
	}
	fmt.Fprintf(out, "Revisions pruned:  %d\n", result.RevisionsPruned)
	fmt.Fprintf(out, "Rows deleted:      %d\n", result.RowsDeleted)
	fmt.Fprintf(out, "Blobs scanned:     %d\n", result.BlobsScanned)
	fmt.Fprintf(out, "Blobs referenced:  %d\n", result.ReferencedBlobs)
	red := color.New(color.FgRed)
	fmt.Fprint(out, "Blobs deleted:     ")
	red.Fprintf(out, "%d\n", result.BlobsDeleted)
}

func runBlobs(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := doBlobs(context.Background(), c, os.Stdout, blobsCount); err != nil {
		exitError("%v", err)
	}
}

func doBlobs(ctx context.Context, c *cmdContext, out io.Writer, countOnly bool) error {
	if countOnly {
		n, err := c.DB.Blobs().Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil
	}

	keys, err := c.DB.Blobs().AllKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		size, err := c.DB.Blobs().Size(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s  %d\n", key.String(), key.Digest(), size)
	}
	return nil
}
