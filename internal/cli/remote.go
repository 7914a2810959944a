package cli

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/attachments"
	"github.com/kilupskalvis/revblob/internal/client"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Work with a running revblob-server",
	Long: `Talk to a revblob-server over HTTP instead of opening a local repository.

The server URL comes from --url or REVBLOB_URL. Admin commands send the token
from REVBLOB_ADMIN_TOKEN.

Examples:
  revblob remote info
  revblob remote upload doc1 photo.jpg ./photo.jpg --rev 2-abc
  revblob remote download doc1 photo.jpg > photo.jpg
  revblob remote compact --dry-run`,
}

var remoteInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display server database stats",
	Args:  cobra.NoArgs,
	Run:   runRemoteInfo,
}

var remoteUploadCmd = &cobra.Command{
	Use:   "upload <doc> <name> <file|->",
	Short: "Upload an attachment to the server",
	Long: `Upload a file as attachment <name> of a document on the server. Unless
--gzip is set, a Content-MD5 header lets the server verify the body.`,
	Args: cobra.ExactArgs(3),
	Run:  runRemoteUpload,
}

var remoteDownloadCmd = &cobra.Command{
	Use:   "download <doc> <name>",
	Short: "Write an attachment from the server to stdout",
	Args:  cobra.ExactArgs(2),
	Run:   runRemoteDownload,
}

var remoteCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run compaction on the server (admin)",
	Args:  cobra.NoArgs,
	Run:   runRemoteCompact,
}

var (
	remoteURL string

	remoteUploadRev  string
	remoteUploadType string
	remoteUploadGzip bool

	remoteDownloadRev string
	remoteDownloadRaw bool

	remoteCompactDryRun bool
)

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteURL, "url", envOrDefault("REVBLOB_URL", "http://127.0.0.1:5984"), "Server URL")

	remoteUploadCmd.Flags().StringVar(&remoteUploadRev, "rev", "", "Current revision of the document")
	remoteUploadCmd.Flags().StringVar(&remoteUploadType, "type", "", "Content type (default: guessed from the file extension)")
	remoteUploadCmd.Flags().BoolVar(&remoteUploadGzip, "gzip", false, "Send and store the body gzip-encoded")
	remoteUploadCmd.MarkFlagRequired("rev")

	remoteDownloadCmd.Flags().StringVar(&remoteDownloadRev, "rev", "", "Revision to read (default: current)")
	remoteDownloadCmd.Flags().BoolVar(&remoteDownloadRaw, "raw", false, "Write stored bytes without decoding")

	remoteCompactCmd.Flags().BoolVar(&remoteCompactDryRun, "dry-run", false, "Report what would be deleted without deleting")

	remoteCmd.AddCommand(remoteInfoCmd)
	remoteCmd.AddCommand(remoteUploadCmd)
	remoteCmd.AddCommand(remoteDownloadCmd)
	remoteCmd.AddCommand(remoteCompactCmd)
}

// newRemoteClient returns a retrying client for --url.
func newRemoteClient() client.Client {
	return client.NewRetryClient(client.NewHTTPClient(remoteURL, os.Getenv("REVBLOB_ADMIN_TOKEN")), nil)
}

func runRemoteInfo(cmd *cobra.Command, args []string) {
	if err := doRemoteInfo(context.Background(), newRemoteClient(), os.Stdout); err != nil {
		exitError("%v", err)
	}
}

func doRemoteInfo(ctx context.Context, cl client.Client, out io.Writer) error {
	info, err := cl.Info(ctx)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Fprintf(out, "Server: %s\n", remoteURL)
	fmt.Fprintf(out, "  Backend:    %s\n", info.Backend)
	fmt.Fprintf(out, "  Documents:  %d\n", info.DocCount)
	fmt.Fprintf(out, "  Blobs:      %d\n", info.BlobCount)
	return nil
}

func runRemoteUpload(cmd *cobra.Command, args []string) {
	in, err := openInput(args[2])
	if err != nil {
		exitError("%v", err)
	}
	defer in.Close()

	contentType := remoteUploadType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(args[2]))
	}
	if err := doRemoteUpload(context.Background(), newRemoteClient(), os.Stdout, args[0], args[1], in, contentType, remoteUploadRev, remoteUploadGzip); err != nil {
		exitError("%v", err)
	}
}

func doRemoteUpload(ctx context.Context, cl client.Client, out io.Writer, docID, name string, body io.Reader, contentType, rev string, gzipped bool) error {
	opts := &client.AttachmentOptions{ContentType: contentType, Gzipped: gzipped}

	var payload io.Reader
	if gzipped {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(attachments.GzipTo(pw, body))
		}()
		defer pr.Close()
		payload = pr
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read attachment body: %w", err)
		}
		sum := md5.Sum(data)
		opts.MD5 = sum[:]
		payload = bytes.NewReader(data)
	}

	resp, err := cl.PutAttachment(ctx, docID, name, rev, payload, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString(resp.ID), resp.Rev)
	return nil
}

func runRemoteDownload(cmd *cobra.Command, args []string) {
	if err := doRemoteDownload(context.Background(), newRemoteClient(), os.Stdout, args[0], args[1], remoteDownloadRev, remoteDownloadRaw); err != nil {
		exitError("%v", err)
	}
}

func doRemoteDownload(ctx context.Context, cl client.Client, out io.Writer, docID, name, rev string, raw bool) error {
	att, err := cl.GetAttachment(ctx, docID, name, rev, raw)
	if err != nil {
		return err
	}
	defer att.Body.Close()

	if _, err := io.Copy(out, att.Body); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func runRemoteCompact(cmd *cobra.Command, args []string) {
	if err := doRemoteCompact(context.Background(), newRemoteClient(), os.Stdout, remoteCompactDryRun); err != nil {
		exitError("%v", err)
	}
}

func doRemoteCompact(ctx context.Context, cl client.Client, out io.Writer, dryRun bool) error {
	result, err := cl.Compact(ctx, dryRun)
	if err != nil {
		return err
	}
	printCompactResult(out, result)
	return nil
}
