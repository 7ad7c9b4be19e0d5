package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/internal/daemon"
	"github.com/ckoons/tekton-ci/internal/server"
)

// ServeCmd runs the MCP server on stdio.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server (stdio transport)",
	Long: `Start the MCP server on stdin/stdout.

Registry, forwarding, context-state and session-store tools are always
available. Memory tools are added when the Engram store opens. Logs go to
stderr so they never corrupt the protocol stream.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, cleanup, err := server.New(ctx, currentConfig())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	return mcpserver.ServeStdio(s)
}

// DaemonCmd runs the registry daemon.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the registry daemon (HTTP + WebSocket on loopback)",
	Long: `Run the registry daemon.

The daemon serves the session store, the CI registry and forwards over
HTTP so that processes that cannot open the store file can still share it.

Examples:
  tekton-ci daemon                      # listen on daemon.addr
  tekton-ci daemon --addr 127.0.0.1:9000`,
	RunE: runDaemon,
}

var daemonAddrFlag string

func init() {
	DaemonCmd.Flags().StringVar(&daemonAddrFlag, "addr", "", "listen address (default from daemon.addr)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := currentConfig()
	deps, cleanup, err := server.Open(ctx, c, server.Options{Watch: true, Sweep: true})
	if err != nil {
		return err
	}
	defer cleanup()

	addr := c.Daemon.Addr
	if daemonAddrFlag != "" {
		addr = daemonAddrFlag
	}
	d := daemon.New(deps.KV, deps.Registry, deps.Forwards, daemon.Options{
		Addr:      addr,
		RateLimit: c.Daemon.RateLimit,
		Burst:     c.Daemon.Burst,
	})

	pterm.Info.Printf("Registry daemon on http://%s (%d CIs)\n", addr, len(deps.Registry.All()))
	if err := d.ListenAndServe(ctx); err != nil {
		return err
	}
	pterm.Success.Println("Daemon stopped cleanly")
	return nil
}

// VersionCmd prints the version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show tekton-ci version",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"version": server.Version})
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "tekton-ci %s\n", server.Version)
		return err
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version as JSON")
}
