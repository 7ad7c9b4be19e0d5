package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/memory"
	"github.com/ckoons/tekton-ci/internal/server"
)

// MemCmd groups the Engram memory commands.
var MemCmd = &cobra.Command{
	Use:   "mem",
	Short: "Add, search and summarize Engram memories",
	Long: `Work with the Engram structured memory of this client.

Examples:
  tekton-ci mem add "Always run migrations before deploy" --category projects --importance 4
  tekton-ci mem add "Rhetor is flaky on cold start" --auto
  tekton-ci mem search migrations
  tekton-ci mem digest --max 20`,
}

var memAddCmd = &cobra.Command{
	Use:   "add CONTENT",
	Short: "Store a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemAdd,
}

var memSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search memories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMemSearch,
}

var memDigestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print a markdown digest of important memories",
	Args:  cobra.NoArgs,
	RunE:  runMemDigest,
}

var memStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics",
	Args:  cobra.NoArgs,
	RunE:  runMemStats,
}

var memExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export sessions and memories as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMemExport,
}

var memImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import sessions and memories from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemImport,
}

func init() {
	memAddCmd.Flags().String("category", "", "memory category (default: session, or inferred with --auto)")
	memAddCmd.Flags().Int("importance", 0, "importance 1-5 (default depends on category)")
	memAddCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	memAddCmd.Flags().String("session", "", "session ID to attach the memory to")
	memAddCmd.Flags().Bool("auto", false, "infer category, importance and tags from the content")

	memSearchCmd.Flags().StringSlice("category", nil, "restrict to categories")
	memSearchCmd.Flags().StringSlice("tags", nil, "restrict to tags")
	memSearchCmd.Flags().Int("min-importance", 0, "minimum importance")
	memSearchCmd.Flags().Int("limit", 0, "maximum results")
	memSearchCmd.Flags().String("sort", "", "importance, recency or relevance")
	memSearchCmd.Flags().Bool("json", false, "Output as JSON")

	memDigestCmd.Flags().StringSlice("category", nil, "restrict to categories")
	memDigestCmd.Flags().Int("max", 0, "maximum memories in the digest")
	memDigestCmd.Flags().Bool("include-private", false, "include private memories")

	MemCmd.AddCommand(memAddCmd, memSearchCmd, memDigestCmd, memStatsCmd, memExportCmd, memImportCmd)
}

// withMemory opens the Engram store for one command.
func withMemory(fn func(store *memory.Store) error) error {
	store, err := memory.New(server.MemoryConfig(currentConfig()))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runMemAdd(cmd *cobra.Command, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	importance, _ := cmd.Flags().GetInt("importance")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	session, _ := cmd.Flags().GetString("session")
	auto, _ := cmd.Flags().GetBool("auto")

	p := memory.AddParams{
		Content:    args[0],
		Category:   category,
		Importance: importance,
		Tags:       tags,
		SessionID:  session,
	}
	return withMemory(func(store *memory.Store) error {
		if auto {
			res, err := store.AddAutoCategorized(p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Stored memory #%d (%s, importance %d, tags: %s)\n",
				res.ID, res.Category, res.Importance, strings.Join(res.Tags, ", "))
			return err
		}
		id, err := store.AddMemory(p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Stored memory #%d\n", id)
		return err
	})
}

func runMemSearch(cmd *cobra.Command, args []string) error {
	opts := memory.SearchOptions{}
	if len(args) == 1 {
		opts.Query = args[0]
	}
	opts.Categories, _ = cmd.Flags().GetStringSlice("category")
	opts.Tags, _ = cmd.Flags().GetStringSlice("tags")
	opts.MinImportance, _ = cmd.Flags().GetInt("min-importance")
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.SortBy, _ = cmd.Flags().GetString("sort")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withMemory(func(store *memory.Store) error {
		results, err := store.Search(opts)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), results)
		}
		if len(results) == 0 {
			pterm.Info.Println("No memories found")
			return nil
		}
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{
				strconv.FormatInt(r.ID, 10),
				r.Category,
				strconv.Itoa(r.Importance),
				memory.Truncate(r.Content, 80),
			})
		}
		return renderTable(cmd.OutOrStdout(), []string{"ID", "CATEGORY", "IMP", "CONTENT"}, rows)
	})
}

func runMemDigest(cmd *cobra.Command, args []string) error {
	var opts memory.DigestOptions
	opts.Categories, _ = cmd.Flags().GetStringSlice("category")
	opts.MaxMemories, _ = cmd.Flags().GetInt("max")
	opts.IncludePrivate, _ = cmd.Flags().GetBool("include-private")

	return withMemory(func(store *memory.Store) error {
		digest, err := store.Digest(opts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), digest)
		return err
	})
}

func runMemStats(cmd *cobra.Command, args []string) error {
	return withMemory(func(store *memory.Store) error {
		stats, err := store.Stats()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

func runMemExport(cmd *cobra.Command, args []string) error {
	return withMemory(func(store *memory.Store) error {
		data, err := store.Export()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return printJSON(cmd.OutOrStdout(), data)
		}
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], raw, 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", args[0])
		}
		pterm.Success.Printf("Exported %d memories to %s\n", len(data.Memories), args[0])
		return nil
	})
}

func runMemImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "reading %s", args[0])
	}
	var data memory.ExportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.Invalidf("%s is not a memory export: %v", args[0], err)
	}
	return withMemory(func(store *memory.Store) error {
		res, err := store.Import(&data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "sessions=%d memories=%d skipped=%d\n",
			res.SessionsImported, res.MemoriesImported, res.MemoriesSkipped)
		return err
	})
}
