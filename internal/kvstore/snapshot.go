package kvstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ckoons/tekton-ci/internal/errors"
)

// SnapshotVersion is written into every export.
const SnapshotVersion = "1"

// Snapshot is a portable dump of live entries.
type Snapshot struct {
	Version    string  `json:"version"`
	ExportedAt string  `json:"exported_at"`
	Entries    []Entry `json:"entries"`
}

// ImportResult counts what Import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Export dumps every live entry of b. Expiry times are kept; revisions are
// informational since they are local to the exporting store.
func Export(ctx context.Context, b Backend) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: timeNow().UTC().Format(time.RFC3339),
	}
	namespaces, err := b.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		entries, err := b.List(ctx, ns, ListOptions{})
		if err != nil {
			return nil, err
		}
		snap.Entries = append(snap.Entries, entries...)
	}
	return snap, nil
}

// Import writes snapshot entries into b. An entry is skipped when it has
// already expired or when the target holds a value updated at the same
// time or later.
func Import(ctx context.Context, b Backend, snap *Snapshot) (*ImportResult, error) {
	if snap == nil {
		return nil, errors.Invalidf("kvstore: nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return nil, errors.Invalidf("kvstore: unsupported snapshot version %q", snap.Version)
	}

	res := &ImportResult{}
	now := timeNow()
	for _, e := range snap.Entries {
		opts := PutOptions{TTL: -1}
		if e.ExpiresAt != nil {
			remaining := e.ExpiresAt.Sub(now)
			if remaining <= 0 {
				res.Skipped++
				continue
			}
			opts.TTL = remaining
		}

		imported := false
		_, err := b.Update(ctx, e.Namespace, e.Key, func(cur *Entry) (json.RawMessage, error) {
			if cur != nil && !cur.UpdatedAt.Before(e.UpdatedAt) {
				return nil, errSkipImport
			}
			imported = true
			return e.Value, nil
		}, opts)
		switch {
		case errors.Is(err, errSkipImport):
			res.Skipped++
		case err != nil:
			return res, errors.Wrapf(err, "kvstore: import %s/%s", e.Namespace, e.Key)
		case imported:
			res.Imported++
		}
	}
	return res, nil
}

var errSkipImport = errors.New("skip import")
