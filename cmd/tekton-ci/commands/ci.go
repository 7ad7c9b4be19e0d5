package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/registry"
	"github.com/ckoons/tekton-ci/internal/server"
)

// CICmd groups the registry commands.
var CICmd = &cobra.Command{
	Use:   "ci",
	Short: "Inspect the CI registry, forwards and context state",
	Long: `Inspect and manage the unified CI registry.

Examples:
  tekton-ci ci list --type terminal
  tekton-ci ci get numa
  tekton-ci ci forward apollo alice
  tekton-ci ci stage apollo '[{"role":"system","content":"focus"}]'
  tekton-ci ci promote apollo`,
}

var ciListCmd = &cobra.Command{
	Use:   "list",
	Short: "List CIs",
	Args:  cobra.NoArgs,
	RunE:  runCIList,
}

var ciGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show one CI",
	Args:  cobra.ExactArgs(1),
	RunE:  runCIGet,
}

var ciRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the registry from its sources",
	Args:  cobra.NoArgs,
	RunE:  runCIRefresh,
}

var ciForwardCmd = &cobra.Command{
	Use:   "forward NAME TERMINAL",
	Short: "Forward messages for a CI to a terminal",
	Args:  cobra.ExactArgs(2),
	RunE:  runCIForward,
}

var ciUnforwardCmd = &cobra.Command{
	Use:   "unforward NAME",
	Short: "Remove a message forward",
	Args:  cobra.ExactArgs(1),
	RunE:  runCIUnforward,
}

var ciStageCmd = &cobra.Command{
	Use:   "stage NAME PROMPT_JSON",
	Short: "Stage a context prompt for a CI (null clears it)",
	Args:  cobra.ExactArgs(2),
	RunE:  runCIStage,
}

var ciPromoteCmd = &cobra.Command{
	Use:   "promote NAME",
	Short: "Promote the staged prompt to next",
	Args:  cobra.ExactArgs(1),
	RunE:  runCIPromote,
}

var ciContextCmd = &cobra.Command{
	Use:   "context [NAME]",
	Short: "Show context state for one CI or all CIs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCIContext,
}

func init() {
	ciListCmd.Flags().String("type", "", "filter: greek, terminal, project, forward, local or remote")
	ciListCmd.Flags().Bool("json", false, "Output as JSON")
	ciGetCmd.Flags().Bool("json", false, "Output as JSON")
	ciForwardCmd.Flags().Bool("json-mode", false, "deliver messages as structured JSON")

	CICmd.AddCommand(ciListCmd, ciGetCmd, ciRefreshCmd, ciForwardCmd, ciUnforwardCmd,
		ciStageCmd, ciPromoteCmd, ciContextCmd)
}

// withRegistry opens the shared stores, loads the registry once and runs fn.
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, deps *server.Deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps, cleanup, err := openDeps(ctx, server.Options{})
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, deps)
}

func runCIList(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		cis := deps.Registry.All()
		if typ != "" {
			cis = deps.Registry.ByType(typ)
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), cis)
		}
		if len(cis) == 0 {
			pterm.Info.Println("No CIs found")
			return nil
		}
		rows := make([][]string, 0, len(cis))
		for _, ci := range cis {
			rows = append(rows, []string{ci.Name, ci.Type, ci.Endpoint, ci.ForwardTo})
		}
		return renderTable(cmd.OutOrStdout(), []string{"NAME", "TYPE", "ENDPOINT", "FORWARD"}, rows)
	})
}

func runCIGet(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		ci, ok := deps.Registry.Get(args[0])
		if !ok {
			return errors.NotFoundf("CI %q", args[0])
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), ci)
		}
		_, err := fmt.Fprint(cmd.OutOrStdout(), registry.FormatText([]registry.CI{ci}))
		return err
	})
}

func runCIRefresh(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		if err := deps.Registry.Refresh(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d CIs loaded\n", len(deps.Registry.All()))
		return err
	})
}

func runCIForward(cmd *cobra.Command, args []string) error {
	jsonMode, _ := cmd.Flags().GetBool("json-mode")
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		if !deps.Registry.Has(args[0]) {
			return errors.NotFoundf("CI %q", args[0])
		}
		f, err := deps.Forwards.Set(ctx, args[0], args[1], jsonMode)
		if err != nil {
			return err
		}
		mode := "plain"
		if f.JSONMode {
			mode = "json"
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Forwarding %s to %s (%s)\n", f.Name, f.Terminal, mode)
		return err
	})
}

func runCIUnforward(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		if err := deps.Forwards.Remove(ctx, args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed forward for %s\n", args[0])
		return err
	})
}

// parsePrompt accepts a JSON array of objects, a single object or null.
func parsePrompt(raw string) ([]registry.Prompt, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.Invalidf("prompt is not valid JSON: %v", err)
	}
	switch p := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return []registry.Prompt{p}, nil
	case []interface{}:
		out := make([]registry.Prompt, 0, len(p))
		for i, item := range p {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Invalidf("prompt item %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, errors.Invalidf("prompt must be an object, an array of objects or null")
	}
}

func runCIStage(cmd *cobra.Command, args []string) error {
	prompt, err := parsePrompt(args[1])
	if err != nil {
		return err
	}
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		if err := deps.Registry.SetStagedPrompt(ctx, args[0], prompt); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Staged %d prompt item(s) for %s\n", len(prompt), args[0])
		return err
	})
}

func runCIPromote(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		promoted, err := deps.Registry.PromoteStaged(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "promoted=%s\n", strconv.FormatBool(promoted))
		return err
	})
}

func runCIContext(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd, func(ctx context.Context, deps *server.Deps) error {
		if len(args) == 1 {
			state, err := deps.Registry.ContextState(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		}
		states, err := deps.Registry.AllContextStates(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), states)
	})
}
