package cli

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/revblob/internal/models"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for revblob. Attachment names of the
cat and detach commands complete from the current revision of the document.

To load completions:

Bash:
  $ source <(revblob completion bash)

Zsh:
  $ revblob completion zsh > "${fpath[1]}/_revblob"

Fish:
  $ revblob completion fish > ~/.config/fish/completions/revblob.fish

PowerShell:
  PS> revblob completion powershell | Out-String | Invoke-Expression
`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return genCompletion(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	catCmd.ValidArgsFunction = completeAttachmentArg
	detachCmd.ValidArgsFunction = completeAttachmentArg
}

func genCompletion(out io.Writer, shell string) error {
	switch shell {
	case "bash":
		return rootCmd.GenBashCompletionV2(out, true)
	case "zsh":
		return rootCmd.GenZshCompletion(out)
	case "fish":
		return rootCmd.GenFishCompletion(out, true)
	default:
		return rootCmd.GenPowerShellCompletionWithDesc(out)
	}
}

// completeAttachmentArg completes the <name> argument after <doc>.
func completeAttachmentArg(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	c, err := openContext(rootRepo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer c.Close()

	names, err := attachmentNames(cmd.Context(), c, args[0], toComplete)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// attachmentNames lists the attachments of the current revision of docID
// that start with prefix.
func attachmentNames(ctx context.Context, c *cmdContext, docID, prefix string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	props, err := c.DB.GetRevision(ctx, docID, "", 0)
	if err != nil {
		return nil, err
	}
	dict, _ := props[models.PropAttachments].(map[string]*models.AttachmentEntry)

	var names []string
	for name := range dict {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
