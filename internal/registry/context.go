package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
)

// ContextNamespace holds per-CI context state in the key-value store.
const ContextNamespace = "ci_context"

// Prompt is one item of a staged or next context prompt. Apollo decides
// its shape; the registry only carries it.
type Prompt map[string]any

// ContextState is the Apollo/Rhetor coordination record of one CI.
// Apollo stages prompts, Rhetor promotes them to next, and the CI's
// completed turn is kept as last output.
type ContextState struct {
	StagedContextPrompt []Prompt  `json:"staged_context_prompt"`
	NextContextPrompt   []Prompt  `json:"next_context_prompt"`
	LastOutput          *string   `json:"last_output,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

var errNothingStaged = errors.New("nothing staged")

// SetStagedPrompt records Apollo's staged prompt for a CI. nil clears it.
func (r *Registry) SetStagedPrompt(ctx context.Context, name string, prompt []Prompt) error {
	return r.mutateContext(ctx, name, func(st *ContextState) error {
		st.StagedContextPrompt = prompt
		return nil
	})
}

// SetNextPrompt sets the prompt injected on the CI's next turn. nil clears it.
func (r *Registry) SetNextPrompt(ctx context.Context, name string, prompt []Prompt) error {
	return r.mutateContext(ctx, name, func(st *ContextState) error {
		st.NextContextPrompt = prompt
		return nil
	})
}

// PromoteStaged moves the staged prompt to next and clears staged. It
// reports false when nothing was staged.
func (r *Registry) PromoteStaged(ctx context.Context, name string) (bool, error) {
	err := r.mutateContext(ctx, name, func(st *ContextState) error {
		if st.StagedContextPrompt == nil {
			return errNothingStaged
		}
		st.NextContextPrompt = st.StagedContextPrompt
		st.StagedContextPrompt = nil
		return nil
	})
	if errors.Is(err, errNothingStaged) {
		return false, nil
	}
	return err == nil, err
}

// UpdateLastOutput stores the output of the CI's completed turn.
func (r *Registry) UpdateLastOutput(ctx context.Context, name, output string) error {
	return r.mutateContext(ctx, name, func(st *ContextState) error {
		st.LastOutput = &output
		return nil
	})
}

// LastOutput returns the CI's last output and whether one was recorded.
func (r *Registry) LastOutput(ctx context.Context, name string) (string, bool, error) {
	st, err := r.ContextState(ctx, name)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if st.LastOutput == nil {
		return "", false, nil
	}
	return *st.LastOutput, true, nil
}

// ContextState returns the context record of a CI, or ErrNotFound when
// none was written.
func (r *Registry) ContextState(ctx context.Context, name string) (*ContextState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	e, err := r.kv.Get(ctx, ContextNamespace, name)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundf("registry: no context state for %s", name)
		}
		return nil, err
	}
	var st ContextState
	if err := e.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AllContextStates returns every context record keyed by CI name.
func (r *Registry) AllContextStates(ctx context.Context) (map[string]ContextState, error) {
	entries, err := r.kv.List(ctx, ContextNamespace, kvstore.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "registry: list context states")
	}
	out := make(map[string]ContextState, len(entries))
	for i := range entries {
		var st ContextState
		if err := entries[i].Decode(&st); err != nil {
			return nil, err
		}
		out[entries[i].Key] = st
	}
	return out, nil
}

// mutateContext applies fn to the CI's context record inside one atomic
// store update. Writes are only accepted for registered CIs.
func (r *Registry) mutateContext(ctx context.Context, name string, fn func(*ContextState) error) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !r.Has(name) {
		return errors.NotFoundf("registry: unknown CI %q", name)
	}
	_, err := r.kv.Update(ctx, ContextNamespace, name, func(cur *kvstore.Entry) (json.RawMessage, error) {
		var st ContextState
		if cur != nil {
			if err := cur.Decode(&st); err != nil {
				return nil, err
			}
		}
		if err := fn(&st); err != nil {
			return nil, err
		}
		st.UpdatedAt = timeNow().UTC()
		return json.Marshal(st)
	}, kvstore.PutOptions{})
	return err
}
