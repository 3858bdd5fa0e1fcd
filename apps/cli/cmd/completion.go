package cmd

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for specrun.

To load completions:

Bash:
  $ source <(specrun completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ specrun completion bash > /etc/bash_completion.d/specrun
  # macOS:
  $ specrun completion bash > $(brew --prefix)/etc/bash_completion.d/specrun

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ specrun completion zsh > "${fpath[1]}/_specrun"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ specrun completion fish | source

  # To load completions for each session, execute once:
  $ specrun completion fish > ~/.config/fish/completions/specrun.fish

PowerShell:
  PS> specrun completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> specrun completion powershell > specrun.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
		case "zsh":
			return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
