package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/models"
)

var putCmd = &cobra.Command{
	Use:   "put <json|->",
	Short: "Create or update a document",
	Long: `Store a new revision of a document. The JSON object names the document with
_id (a UUID is generated when missing). Pass --rev to update an existing
document; _attachments may carry base64 "data" bodies or "stub": true entries
that keep an attachment of the parent revision.

Examples:
  revblob put '{"_id":"doc1","title":"hello"}'
  revblob put --rev 1-abc '{"_id":"doc1","title":"again"}'
  cat doc.json | revblob put -`,
	Args: cobra.ExactArgs(1),
	Run:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <doc>",
	Short: "Show a document revision",
	Args:  cobra.ExactArgs(1),
	Run:   runGet,
}

var (
	putRev           string
	putAllowConflict bool

	getRev         string
	getAttachments bool
	getFollows     bool
)

func init() {
	putCmd.Flags().StringVar(&putRev, "rev", "", "Parent revision")
	putCmd.Flags().BoolVar(&putAllowConflict, "allow-conflict", false, "Allow a non-leaf parent, creating a conflict branch")

	getCmd.Flags().StringVar(&getRev, "rev", "", "Revision to show (default: current)")
	getCmd.Flags().BoolVar(&getAttachments, "attachments", false, "Inline attachment bodies")
	getCmd.Flags().BoolVar(&getFollows, "follows", false, "Mark big attachments as follows instead of inlining them")
}

func runPut(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := doPut(context.Background(), c, os.Stdout, args[0], putRev, putAllowConflict); err != nil {
		exitError("%v", err)
	}
}

func doPut(ctx context.Context, c *cmdContext, out io.Writer, input, parent string, allowConflict bool) error {
	var raw []byte
	if input == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	} else {
		raw = []byte(input)
	}

	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return fmt.Errorf("invalid document JSON: %w", err)
	}
	if props == nil {
		return fmt.Errorf("document must be a JSON object")
	}
	if parent == "" {
		parent, _ = props[models.PropRev].(string)
	}

	rev, err := c.DB.PutRevision(ctx, props, parent, allowConflict)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString(rev.DocID), rev.RevID)
	return nil
}

func runGet(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	var opts models.ContentOptions
	if getAttachments {
		opts |= models.IncludeAttachments
	}
	if getFollows {
		opts |= models.BigAttachmentsFollow
	}
	if err := doGet(context.Background(), c, os.Stdout, args[0], getRev, opts); err != nil {
		exitError("%v", err)
	}
}

func doGet(ctx context.Context, c *cmdContext, out io.Writer, docID, revID string, opts models.ContentOptions) error {
	props, err := c.DB.GetRevision(ctx, docID, revID, opts)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(props, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	fmt.Fprintln(out, string(data))

	leaves, err := c.DB.Leaves(ctx, docID)
	if err == nil && len(leaves) > 1 {
		yellow := color.New(color.FgYellow)
		yellow.Fprintf(out, "conflicts: %s\n", strings.Join(leaves, ", "))
	}
	return nil
}
