package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is stamped by the release build.
var version = "dev"

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// NewRootCommand builds the cortex CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "Streaming agent execution engine",
		Long: `cortex runs agent definitions against a streaming LLM backend,
dispatching protocol actions as they parse instead of waiting for the
complete response.

EXAMPLES:
  cortex run agents/research.yaml "summarize the latest findings"
  cortex run -v agent.yaml "show me your thinking too"
  cortex serve`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortex %s\n", version)
		},
	}
}
