// tekton-ci: CI registry, shared session store and Engram memory for Tekton.
//
// Usage:
//
//	tekton-ci serve     # MCP server (stdio transport)
//	tekton-ci daemon    # registry daemon on loopback
//	tekton-ci ci list   # inspect the registry
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/cmd/tekton-ci/commands"
	"github.com/ckoons/tekton-ci/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "tekton-ci",
	Short: "Tekton CI registry and session persistence",
	Long: `tekton-ci - unified CI registry and shared persistence for Tekton.

Available commands:
  serve   - Start the MCP server on stdio
  daemon  - Run the registry daemon (HTTP + WebSocket)
  ci      - Inspect CIs, forwards and context state
  kv      - Read and write the shared session store
  mem     - Engram structured memory
  project - Manage project CIs
  config  - Show or create configuration

Examples:
  tekton-ci ci list --type greek
  tekton-ci kv get sessions apollo
  tekton-ci mem digest`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigFile, "config", "", "config file (default: search .tekton directories)")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.CICmd)
	rootCmd.AddCommand(commands.KVCmd)
	rootCmd.AddCommand(commands.MemCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
