package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/attachments"
	"github.com/kilupskalvis/revblob/internal/models"
)

var attachCmd = &cobra.Command{
	Use:   "attach <doc> <name> <file|->",
	Short: "Add or replace an attachment",
	Long: `Store a file as attachment <name> of a document, creating a new revision.
The body is streamed into the blob store before the revision is written.

Examples:
  revblob attach doc1 photo.jpg ./photo.jpg --rev 2-abc
  revblob attach doc1 log.txt ./big.log --rev 3-def --gzip`,
	Args: cobra.ExactArgs(3),
	Run:  runAttach,
}

var catCmd = &cobra.Command{
	Use:   "cat <doc> <name>",
	Short: "Write an attachment body to stdout",
	Args:  cobra.ExactArgs(2),
	Run:   runCat,
}

var detachCmd = &cobra.Command{
	Use:   "detach <doc> <name>",
	Short: "Remove an attachment",
	Args:  cobra.ExactArgs(2),
	Run:   runDetach,
}

var (
	attachRev  string
	attachType string
	attachGzip bool

	catRev string
	catRaw bool

	detachRev string
)

func init() {
	attachCmd.Flags().StringVar(&attachRev, "rev", "", "Current revision of the document")
	attachCmd.Flags().StringVar(&attachType, "type", "", "Content type (default: guessed from the file extension)")
	attachCmd.Flags().BoolVar(&attachGzip, "gzip", false, "Store the body gzip-encoded")
	attachCmd.MarkFlagRequired("rev")

	catCmd.Flags().StringVar(&catRev, "rev", "", "Revision to read (default: current)")
	catCmd.Flags().BoolVar(&catRaw, "raw", false, "Write stored bytes without decoding")

	detachCmd.Flags().StringVar(&detachRev, "rev", "", "Current revision of the document")
	detachCmd.MarkFlagRequired("rev")
}

func runAttach(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	in, err := openInput(args[2])
	if err != nil {
		exitError("%v", err)
	}
	defer in.Close()

	contentType := attachType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(args[2]))
	}
	if err := doAttach(context.Background(), c, os.Stdout, args[0], args[1], in, contentType, attachRev, attachGzip); err != nil {
		exitError("%v", err)
	}
}

func doAttach(ctx context.Context, c *cmdContext, out io.Writer, docID, name string, body io.Reader, contentType, rev string, gzipped bool) error {
	w, err := c.DB.NewWriter()
	if err != nil {
		return err
	}
	defer w.Close()

	var encoding string
	if gzipped {
		encoding = string(models.EncodingGzip)
		err = attachments.GzipTo(w, body)
	} else {
		_, err = w.ReadFrom(body)
	}
	if err != nil {
		return fmt.Errorf("read attachment body: %w", err)
	}

	newRev, err := c.DB.UpdateAttachment(ctx, name, w, contentType, encoding, docID, rev)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s (%d bytes)\n", color.GreenString(newRev.DocID), newRev.RevID, w.SHA1DigestString(), w.Length())
	return nil
}

func runCat(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := doCat(context.Background(), c, os.Stdout, args[0], catRev, args[1], catRaw); err != nil {
		exitError("%v", err)
	}
}

func doCat(ctx context.Context, c *cmdContext, out io.Writer, docID, revID, name string, raw bool) error {
	att, err := c.DB.GetAttachment(ctx, docID, revID, name)
	if err != nil {
		return err
	}
	defer att.Body.Close()

	var r io.Reader = att.Body
	if !raw && att.Encoding == models.EncodingGzip {
		gz, err := gzip.NewReader(att.Body)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		defer gz.Close()
		r = gz
	}
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func runDetach(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := doDetach(context.Background(), c, os.Stdout, args[0], args[1], detachRev); err != nil {
		exitError("%v", err)
	}
}

func doDetach(ctx context.Context, c *cmdContext, out io.Writer, docID, name, rev string) error {
	newRev, err := c.DB.UpdateAttachment(ctx, name, nil, "", "", docID, rev)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString(newRev.DocID), newRev.RevID)
	return nil
}
