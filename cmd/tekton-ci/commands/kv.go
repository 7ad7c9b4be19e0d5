package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/internal/daemon"
	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/server"
)

// KVCmd groups the session store commands.
var KVCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write the shared session store",
	Long: `Read and write the shared session store.

Commands open the store file directly. With --remote they go through the
registry daemon instead.

Examples:
  tekton-ci kv put sessions apollo '{"turn":3}' --ttl 1h
  tekton-ci kv get sessions apollo
  tekton-ci kv list sessions --prefix apo
  tekton-ci kv watch --remote`,
}

var kvRemote bool

var kvGetCmd = &cobra.Command{
	Use:   "get NAMESPACE KEY",
	Short: "Print one entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runKVGet,
}

var kvPutCmd = &cobra.Command{
	Use:   "put NAMESPACE KEY VALUE",
	Short: "Write an entry (VALUE that is not JSON is stored as a string)",
	Args:  cobra.ExactArgs(3),
	RunE:  runKVPut,
}

var kvDeleteCmd = &cobra.Command{
	Use:   "delete NAMESPACE KEY",
	Short: "Delete an entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runKVDelete,
}

var kvListCmd = &cobra.Command{
	Use:   "list [NAMESPACE]",
	Short: "List entries in a namespace, or the namespaces",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKVList,
}

var kvWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the change feed",
	Args:  cobra.NoArgs,
	RunE:  runKVWatch,
}

var kvStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE:  runKVStats,
}

var kvExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Dump live entries as JSON (stdout when FILE is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKVExport,
}

var kvImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load entries from a JSON dump",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVImport,
}

func init() {
	KVCmd.PersistentFlags().BoolVar(&kvRemote, "remote", false, "use the registry daemon instead of the store file")

	kvPutCmd.Flags().Duration("ttl", 0, "expire after this duration (0 uses the store default, negative never expires)")
	kvPutCmd.Flags().Int64("if-revision", -1, "write only if the current revision matches (0 = key must not exist)")
	kvDeleteCmd.Flags().Int64("if-revision", -1, "delete only if the current revision matches")
	kvListCmd.Flags().String("prefix", "", "only keys with this prefix")
	kvListCmd.Flags().Int("limit", 0, "maximum entries")
	kvListCmd.Flags().Bool("json", false, "Output as JSON")
	kvWatchCmd.Flags().Int64("since", -1, "replay changes after this sequence (default: only new changes)")
	kvWatchCmd.Flags().Duration("interval", 500*time.Millisecond, "poll interval for the local store")

	KVCmd.AddCommand(kvGetCmd, kvPutCmd, kvDeleteCmd, kvListCmd, kvWatchCmd, kvStatsCmd, kvExportCmd, kvImportCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withKV opens the store (or daemon client) selected by --remote and runs fn.
func withKV(cmd *cobra.Command, fn func(ctx context.Context, kv kvClient) error) error {
	ctx := commandContext(cmd)
	kv, cleanup, err := openKV(ctx, kvRemote)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, kv)
}

// revisionFlag returns nil when the flag was left at its negative default.
func revisionFlag(cmd *cobra.Command) *int64 {
	rev, _ := cmd.Flags().GetInt64("if-revision")
	if rev < 0 {
		return nil
	}
	return kvstore.Rev(rev)
}

// valueArg keeps valid JSON as is and encodes anything else as a string.
func valueArg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func runKVGet(cmd *cobra.Command, args []string) error {
	return withKV(cmd, func(ctx context.Context, kv kvClient) error {
		e, err := kv.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), e)
	})
}

func runKVPut(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")
	opts := kvstore.PutOptions{TTL: ttl, IfRevision: revisionFlag(cmd)}
	return withKV(cmd, func(ctx context.Context, kv kvClient) error {
		e, err := kv.Put(ctx, args[0], args[1], valueArg(args[2]), opts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s revision %d\n", e.Namespace, e.Key, e.Revision)
		return err
	})
}

func runKVDelete(cmd *cobra.Command, args []string) error {
	return withKV(cmd, func(ctx context.Context, kv kvClient) error {
		if err := kv.Delete(ctx, args[0], args[1], revisionFlag(cmd)); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", args[0], args[1])
		return err
	})
}

func runKVList(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withKV(cmd, func(ctx context.Context, kv kvClient) error {
		if len(args) == 0 {
			namespaces, err := kv.Namespaces(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), namespaces)
			}
			for _, ns := range namespaces {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), ns); err != nil {
					return err
				}
			}
			return nil
		}

		entries, err := kv.List(ctx, args[0], kvstore.ListOptions{Prefix: prefix, Limit: limit})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			pterm.Info.Printf("No entries in %s\n", args[0])
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			expires := "-"
			if e.ExpiresAt != nil {
				expires = e.ExpiresAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{e.Key, strconv.FormatInt(e.Revision, 10), e.UpdatedAt.Format(time.RFC3339), expires})
		}
		return renderTable(cmd.OutOrStdout(), []string{"KEY", "REVISION", "UPDATED", "EXPIRES"}, rows)
	})
}

func runKVStats(cmd *cobra.Command, args []string) error {
	return withKV(cmd, func(ctx context.Context, kv kvClient) error {
		stats, err := kv.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

func runKVWatch(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetInt64("since")
	interval, _ := cmd.Flags().GetDuration("interval")

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(cmd.OutOrStdout())
	if kvRemote {
		client := daemon.NewClient(currentConfig().Daemon.Addr)
		changes, err := client.Watch(ctx, since)
		if err != nil {
			return err
		}
		for c := range changes {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	}

	kv, cleanup, err := openKV(ctx, false)
	if err != nil {
		return err
	}
	defer cleanup()
	return pollChanges(ctx, kv, since, interval, func(c kvstore.Change) error { return enc.Encode(c) })
}

// pollChanges calls emit for every change after since until ctx ends. A
// negative since starts at the current end of the feed.
func pollChanges(ctx context.Context, kv kvClient, since int64, interval time.Duration, emit func(kvstore.Change) error) error {
	if since < 0 {
		stats, err := kv.Stats(ctx)
		if err != nil {
			return err
		}
		since = stats.LastSeq
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		changes, err := kv.Changes(ctx, since, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, c := range changes {
			if err := emit(c); err != nil {
				return err
			}
			since = c.Seq
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// localStore opens the store file; export and import need the full backend.
func localStore(ctx context.Context) (kvstore.Backend, error) {
	if kvRemote {
		return nil, errors.Invalidf("export and import work on the local store only")
	}
	return kvstore.Open(ctx, server.StoreConfig(currentConfig()))
}

func runKVExport(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	kv, err := localStore(ctx)
	if err != nil {
		return err
	}
	defer kv.Close()

	snap, err := kvstore.Export(ctx, kv)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", args[0])
	}
	pterm.Success.Printf("Exported %d entries to %s\n", len(snap.Entries), args[0])
	return nil
}

func runKVImport(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "reading %s", args[0])
	}
	var snap kvstore.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Invalidf("%s is not a store snapshot: %v", args[0], err)
	}

	kv, err := localStore(ctx)
	if err != nil {
		return err
	}
	defer kv.Close()

	res, err := kvstore.Import(ctx, kv, &snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported=%d skipped=%d\n", res.Imported, res.Skipped)
	return err
}
